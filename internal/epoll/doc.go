// Package epoll is a small callback-dispatching wrapper around epoll(7), used
// to observe vpoll instances through the eventfd bridge, from the kernel's
// side.
//
// Always call UnregisterFD before closing a file descriptor, to prevent stale
// event delivery due to FD recycling.
package epoll
