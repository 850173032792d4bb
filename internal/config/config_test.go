package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	for _, tc := range [...]struct {
		name  string
		input string
		want  Config
		err   string
	}{
		{
			name: `empty`,
			want: Default(),
		},
		{
			name: `full`,
			input: `socket: /run/vpoll.sock
mode: "0600"
max_instances: 10
mask_reserved_bits: true
open_rate_limits:
  - window: 1s
    count: 5
  - window: 1m
    count: 50
metrics_addr: 127.0.0.1:9090
log_level: debug
`,
			want: Config{
				Socket:           `/run/vpoll.sock`,
				Mode:             0o600,
				MaxInstances:     10,
				MaskReservedBits: true,
				OpenRateLimits: []RateLimit{
					{Window: time.Second, Count: 5},
					{Window: time.Minute, Count: 50},
				},
				MetricsAddr: `127.0.0.1:9090`,
				LogLevel:    Level(logiface.LevelDebug),
			},
		},
		{
			name:  `partial`,
			input: "max_instances: 3\nlog_level: NOTICE\n",
			want: func() Config {
				cfg := Default()
				cfg.MaxInstances = 3
				cfg.LogLevel = Level(logiface.LevelNotice)
				return cfg
			}(),
		},
		{
			name:  `unknown field`,
			input: "sockets: /tmp/x\n",
			err:   `field sockets not found`,
		},
		{
			name:  `negative max instances`,
			input: "max_instances: -1\n",
			err:   `max_instances must be non-negative`,
		},
		{
			name:  `empty socket`,
			input: "socket: ''\n",
			err:   `socket is required`,
		},
		{
			name:  `bad mode`,
			input: "mode: '9'\n",
			err:   `invalid mode`,
		},
		{
			name:  `mode with type bits`,
			input: "mode: '01000000000'\n",
			err:   `only permission bits`,
		},
		{
			name:  `bad level`,
			input: "log_level: loud\n",
			err:   `invalid log level`,
		},
		{
			name:  `bad rate limit`,
			input: "open_rate_limits: [{window: 0s, count: 1}]\n",
			err:   `invalid open rate limit`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			err := Decode(strings.NewReader(tc.input), &cfg)
			if tc.err != `` {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, cfg); diff != `` {
				t.Errorf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSocket, cfg.Socket)
	assert.Equal(t, Mode(0o666), cfg.Mode)
	assert.Equal(t, Level(logiface.LevelWarning), cfg.LogLevel)
}

func TestEncode_roundTrip(t *testing.T) {
	cfg := Default()
	cfg.Mode = 0o640
	cfg.MaxInstances = 7
	cfg.OpenRateLimits = []RateLimit{{Window: 10 * time.Second, Count: 3}}
	cfg.LogLevel = Level(logiface.LevelTrace)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &cfg))
	assert.Contains(t, buf.String(), `mode: "0640"`)
	assert.Contains(t, buf.String(), `log_level: trace`)

	got := Default()
	require.NoError(t, Decode(&buf, &got))
	if diff := cmp.Diff(cfg, got); diff != `` {
		t.Errorf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, `missing.yaml`))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, `vpoll.yaml`)
	require.NoError(t, os.WriteFile(path, []byte("max_instances: 2\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxInstances)
	assert.Equal(t, DefaultSocket, cfg.Socket)

	require.NoError(t, os.WriteFile(path, []byte("max_instances: x\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestConfig_RateLimits(t *testing.T) {
	var cfg Config
	assert.Nil(t, cfg.RateLimits())
	cfg.OpenRateLimits = []RateLimit{{Window: time.Second, Count: 1}, {Window: time.Hour, Count: 100}}
	assert.Equal(t, map[time.Duration]int{time.Second: 1, time.Hour: 100}, cfg.RateLimits())
}

func TestMode(t *testing.T) {
	var m Mode
	for _, tc := range [...]struct {
		in   string
		want Mode
	}{
		{`0666`, 0o666},
		{`600`, 0o600},
		{`0o750`, 0o750},
		{`0`, 0},
	} {
		require.NoError(t, m.Set(tc.in), tc.in)
		assert.Equal(t, tc.want, m, tc.in)
	}
	assert.Error(t, m.Set(`rw-rw-rw-`))
	assert.Error(t, m.Set(`8`))
	assert.Equal(t, `0644`, Mode(0o644).String())
	assert.Equal(t, `mode`, m.Type())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		`disabled`:  logiface.LevelDisabled,
		`emerg`:     logiface.LevelEmergency,
		`ALERT`:     logiface.LevelAlert,
		`crit`:      logiface.LevelCritical,
		`error`:     logiface.LevelError,
		`err`:       logiface.LevelError,
		` warn `:    logiface.LevelWarning,
		`notice`:    logiface.LevelNotice,
		`info`:      logiface.LevelInformational,
		`Debug`:     logiface.LevelDebug,
		`trace`:     logiface.LevelTrace,
		`warning`:   logiface.LevelWarning,
		`critical`:  logiface.LevelCritical,
		`emergency`: logiface.LevelEmergency,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel(`verbose`)
	assert.Error(t, err)

	// names round trip
	for _, name := range []string{`emerg`, `alert`, `crit`, `err`, `warning`, `notice`, `info`, `debug`, `trace`} {
		var l Level
		require.NoError(t, l.Set(name))
		assert.Equal(t, name, l.String())
	}
}
