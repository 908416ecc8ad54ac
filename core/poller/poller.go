// Package poller wraps the platform readiness multiplexer (epoll on Linux,
// kqueue on macOS) behind a level-triggered, read-only interface.
package poller

// Poller is the I/O multiplexing interface. Add and Remove may be called
// from any goroutine while another one is blocked in Wait.
type Poller interface {
	Add(fd int) error
	Remove(fd int) error
	Wait(timeout int) ([]int, error)
	Close() error
}
