//go:build !unix

package transport

import "fmt"

// OpenPosixQueueTransport has no implementation outside unix targets; the
// mq/shm leg is a unix-only concern per §6.
func OpenPosixQueueTransport(cfg QueueConfig) (QueueTransport, error) {
	return nil, fmt.Errorf("transport: posix queue transport is unix-only")
}
