//go:build linux || darwin

package ioreactor

import (
	"time"

	"golang.org/x/sys/unix"

	"crosnode/errs"
)

// Wait blocks until at least one of readFDs is readable, at least one of
// writeFDs is writable, or timeout elapses — the single readiness primitive
// spec.md §4.2 requires so the engine can service every control- and
// data-plane socket from one select/poll loop. Grounded on
// other_examples/…malbeclabs-doublezero__tools-uping-pkg-uping-listener.go,
// which drives the identical []unix.PollFd + unix.Poll(pfds, timeoutMs)
// pattern for a single-goroutine readiness wait.
//
// A file descriptor present in both readFDs and writeFDs polls for both
// events at once (used by sessions mid-handshake: a Connecting client socket
// is writable-ready on connect completion, while an already-Streaming
// publisher socket is read-ready for inbound flow-control bytes).
func Wait(readFDs, writeFDs []int, timeoutUsec int64) (readyRead, readyWrite []int, err error) {
	if len(readFDs) == 0 && len(writeFDs) == 0 {
		if timeoutUsec > 0 {
			time.Sleep(time.Duration(timeoutUsec) * time.Microsecond)
		}
		return nil, nil, nil
	}

	index := make(map[int]*unix.PollFd, len(readFDs)+len(writeFDs))
	var pfds []unix.PollFd
	get := func(fd int) *unix.PollFd {
		if p, ok := index[fd]; ok {
			return p
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd)})
		p := &pfds[len(pfds)-1]
		index[fd] = p
		return p
	}
	for _, fd := range readFDs {
		get(fd).Events |= unix.POLLIN
	}
	for _, fd := range writeFDs {
		get(fd).Events |= unix.POLLOUT
	}

	timeoutMs := int(timeoutUsec / 1000)
	if timeoutUsec > 0 && timeoutMs == 0 {
		timeoutMs = 1 // don't round a short positive wait down to 0, which returns at once
	}
	if timeoutUsec < 0 {
		timeoutMs = -1
	}

	n, perr := unix.Poll(pfds, timeoutMs)
	if perr != nil {
		if perr == unix.EINTR {
			return nil, nil, nil
		}
		return nil, nil, errs.Wrap(errs.Transport, "poll", perr)
	}
	if n == 0 {
		return nil, nil, nil
	}

	for _, p := range pfds {
		if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			readyRead = append(readyRead, int(p.Fd))
		}
		if p.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
			readyWrite = append(readyWrite, int(p.Fd))
		}
	}
	return readyRead, readyWrite, nil
}
