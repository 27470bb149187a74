// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfring // import "github.com/perfprobe/perfprobe/pfring"

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Poll waits up to timeout for any of the given buffers to have new data
// and returns the subset that is ready. A zero return with nil error means
// the timeout elapsed. Polling may block; the caller is expected to check
// for cancellation between calls.
func Poll(buffers []*Buffer, timeout time.Duration) ([]*Buffer, error) {
	pollfds := make([]unix.PollFd, len(buffers))
	for i, b := range buffers {
		pollfds[i] = unix.PollFd{Fd: int32(b.fd), Events: unix.POLLIN}
	}

	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	for {
		_, err := unix.Ppoll(pollfds, &ts, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("ppoll", err)
		}
		break
	}

	var ready []*Buffer
	for i := range pollfds {
		if pollfds[i].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			ready = append(ready, buffers[i])
		}
	}
	return ready, nil
}
