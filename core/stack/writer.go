//go:build linux || darwin

package stack

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/async-server/core/http"
)

// maxSendfileChunk bounds a single sendfile call
const maxSendfileChunk = 1 << 30

// writeResponse writes head and every chunk of resp to the non-blocking
// socket fd and returns the bytes written.
func writeResponse(fd int, head []byte, resp *http.Response, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	total, err := writeAll(fd, head, deadline)
	if err != nil {
		return total, err
	}

	for i := range resp.Chunks {
		chunk := &resp.Chunks[i]

		var n int
		switch chunk.Kind {
		case http.ChunkFromMemory:
			n, err = writeAll(fd, chunk.Memory, deadline)
		case http.ChunkFromFile:
			var size int64
			size, err = chunk.Size()
			if err == nil {
				n, err = sendFile(fd, chunk.File, chunk.Range.Start, size, deadline)
			}
		}
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// writeAll writes b, waiting for writability on EAGAIN
func writeAll(fd int, b []byte, deadline time.Time) (int, error) {
	written := 0
	for written < len(b) {
		n, err := unix.Write(fd, b[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				return written, err
			}
			if err := waitWritable(fd, deadline); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// sendFile copies count bytes of f starting at offset with zero-copy sendfile
func sendFile(fd int, f *os.File, offset, count int64, deadline time.Time) (int, error) {
	fileFd := int(f.Fd())

	written := int64(0)
	for written < count {
		chunk := count - written
		if chunk > maxSendfileChunk {
			chunk = maxSendfileChunk
		}

		// Only Linux advances the offset itself
		off := offset + written
		n, err := unix.Sendfile(fd, fileFd, &off, int(chunk))
		if n > 0 {
			written += int64(n)
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				return int(written), err
			}
			if err := waitWritable(fd, deadline); err != nil {
				return int(written), err
			}
			continue
		}
		if n == 0 {
			// File shrank under us
			return int(written), io.ErrUnexpectedEOF
		}
	}

	return int(written), nil
}

// waitWritable blocks until fd is writable or the deadline passes
func waitWritable(fd int, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrWriteTimeout
			}
			timeout = int(left / time.Millisecond)
			if timeout == 0 {
				timeout = 1
			}
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return ErrWriteTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLOUT == 0 {
			return unix.EPIPE
		}
		return nil
	}
}
