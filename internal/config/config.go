// Package config models the vpoll daemon's configuration file, which is
// YAML, and may be watched for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

// DefaultSocket is the default path of the daemon's socket.
const DefaultSocket = `/tmp/vpoll.sock`

// Config is the daemon configuration. The zero value is not valid, see
// [Default].
type Config struct {
	// Socket is the path of the Unix socket.
	Socket string `yaml:"socket"`
	// Mode is the permission of the socket, as an octal string.
	Mode Mode `yaml:"mode"`
	// MaxInstances bounds open instances, zero being unbounded. It is the
	// only setting applied on reload.
	MaxInstances int `yaml:"max_instances"`
	// MaskReservedBits silently clears reserved bits, instead of rejecting
	// them.
	MaskReservedBits bool `yaml:"mask_reserved_bits"`
	// OpenRateLimits limit OPEN and ATTACH requests, per connection.
	OpenRateLimits []RateLimit `yaml:"open_rate_limits,omitempty"`
	// MetricsAddr, if set, is the listen address of the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// LogLevel is the minimum level logged.
	LogLevel Level `yaml:"log_level"`
}

// RateLimit is a maximum Count of events within a sliding Window.
type RateLimit struct {
	Window time.Duration `yaml:"window"`
	Count  int           `yaml:"count"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Socket:   DefaultSocket,
		Mode:     Mode(vpoll.DefaultMode),
		LogLevel: Level(logiface.LevelWarning),
	}
}

// Load reads the file at path, over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf(`config: %s: %w`, path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r, over the existing values of cfg, then validates
// the result. Unknown fields are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Validate checks cfg for invalid values.
func (x *Config) Validate() error {
	if x.Socket == `` {
		return errors.New(`config: socket is required`)
	}
	if x.MaxInstances < 0 {
		return fmt.Errorf(`config: max_instances must be non-negative: %d`, x.MaxInstances)
	}
	for _, v := range x.OpenRateLimits {
		if v.Window <= 0 || v.Count <= 0 {
			return fmt.Errorf(`config: invalid open rate limit: %d per %s`, v.Count, v.Window)
		}
	}
	return nil
}

// RateLimits returns OpenRateLimits keyed by window, or nil if there are
// none.
func (x *Config) RateLimits() map[time.Duration]int {
	if len(x.OpenRateLimits) == 0 {
		return nil
	}
	m := make(map[time.Duration]int, len(x.OpenRateLimits))
	for _, v := range x.OpenRateLimits {
		m[v.Window] = v.Count
	}
	return m
}

// Mode is a file permission, encoded as an octal string, e.g. "0666". It
// implements pflag.Value.
type Mode os.FileMode

func (x Mode) String() string { return fmt.Sprintf(`%#o`, uint32(x)) }

// Set parses an octal permission.
func (x *Mode) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, `0o`), `0O`), 8, 32)
	if err != nil {
		return fmt.Errorf(`invalid mode %q: %w`, s, err)
	}
	if os.FileMode(v)&^os.ModePerm != 0 {
		return fmt.Errorf(`invalid mode %q: only permission bits are allowed`, s)
	}
	*x = Mode(v)
	return nil
}

func (x Mode) Type() string { return `mode` }

func (x Mode) MarshalYAML() (any, error) { return x.String(), nil }

func (x *Mode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf(`line %d: mode must be a scalar`, value.Line)
	}
	return x.Set(value.Value)
}

// Level is a logiface.Level, encoded by name. It implements pflag.Value.
type Level logiface.Level

func (x Level) String() string { return logiface.Level(x).String() }

// Set parses a level name.
func (x *Level) Set(s string) error {
	v, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*x = Level(v)
	return nil
}

func (x Level) Type() string { return `level` }

func (x Level) MarshalYAML() (any, error) { return x.String(), nil }

func (x *Level) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf(`line %d: log_level must be a scalar`, value.Line)
	}
	return x.Set(value.Value)
}

var levelNames = map[string]logiface.Level{
	`disabled`:      logiface.LevelDisabled,
	`emerg`:         logiface.LevelEmergency,
	`emergency`:     logiface.LevelEmergency,
	`alert`:         logiface.LevelAlert,
	`crit`:          logiface.LevelCritical,
	`critical`:      logiface.LevelCritical,
	`err`:           logiface.LevelError,
	`error`:         logiface.LevelError,
	`warning`:       logiface.LevelWarning,
	`warn`:          logiface.LevelWarning,
	`notice`:        logiface.LevelNotice,
	`info`:          logiface.LevelInformational,
	`informational`: logiface.LevelInformational,
	`debug`:         logiface.LevelDebug,
	`trace`:         logiface.LevelTrace,
}

// ParseLevel parses a level, by its syslog keyword (as per
// logiface.Level.String), or common alias, case-insensitively.
func ParseLevel(s string) (logiface.Level, error) {
	if v, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v, nil
	}
	return logiface.LevelDisabled, fmt.Errorf(`invalid log level %q`, s)
}
