//go:build unix

package transport

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mqAttr mirrors struct mq_attr from <mqueue.h>.
type mqAttr struct {
	Flags   int64
	Maxmsg  int64
	Msgsize int64
	Curmsgs int64
	pad     [4]int64
}

// posixQueueTransport is the unix concrete QueueTransport: a POSIX message
// queue per direction, each paired with a System V shared-memory segment
// holding the actual MsgPack blob (the queue itself only carries an 8-byte
// little-endian length, per §6).
type posixQueueTransport struct {
	cfg QueueConfig

	mu       sync.Mutex
	reqMQ    int
	resMQ    int
	reqShmID int
	resShmID int
	reqAddr  uintptr
	resAddr  uintptr
}

// OpenPosixQueueTransport opens (creating if absent) the request/response
// message queues and attaches their paired shared-memory segments.
func OpenPosixQueueTransport(cfg QueueConfig) (QueueTransport, error) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}

	reqMQ, err := mqOpen(cfg.RequestQueueName, unix.O_RDONLY|unix.O_CREAT, 0o600, cfg.MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("transport: open request queue %s: %w", cfg.RequestQueueName, err)
	}
	resMQ, err := mqOpen(cfg.ResponseQueueName, unix.O_WRONLY|unix.O_CREAT, 0o600, cfg.MaxMessageSize)
	if err != nil {
		mqClose(reqMQ)
		return nil, fmt.Errorf("transport: open response queue %s: %w", cfg.ResponseQueueName, err)
	}

	reqShmID, reqAddr, err := attachShm(cfg.RequestShmName, cfg.MaxMessageSize)
	if err != nil {
		mqClose(reqMQ)
		mqClose(resMQ)
		return nil, fmt.Errorf("transport: attach request shm %s: %w", cfg.RequestShmName, err)
	}
	resShmID, resAddr, err := attachShm(cfg.ResponseShmName, cfg.MaxMessageSize)
	if err != nil {
		mqClose(reqMQ)
		mqClose(resMQ)
		detachShm(reqAddr)
		return nil, fmt.Errorf("transport: attach response shm %s: %w", cfg.ResponseShmName, err)
	}

	return &posixQueueTransport{
		cfg:      cfg,
		reqMQ:    reqMQ,
		resMQ:    resMQ,
		reqShmID: reqShmID,
		resShmID: resShmID,
		reqAddr:  reqAddr,
		resAddr:  resAddr,
	}, nil
}

// Recv blocks for the simulator's length announcement on the request queue,
// then reads that many bytes out of the request shared-memory segment.
func (t *posixQueueTransport) Recv() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lenBuf := make([]byte, 8)
	n, _, err := mqReceive(t.reqMQ, lenBuf, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: mq receive: %w", err)
	}
	if n != 8 {
		return nil, fmt.Errorf("transport: expected 8-byte length frame, got %d bytes", n)
	}

	length := int(littleEndianUint64(lenBuf))
	if length < 0 || length > t.cfg.MaxMessageSize {
		return nil, fmt.Errorf("transport: payload length %d exceeds max %d", length, t.cfg.MaxMessageSize)
	}

	payload := make([]byte, length)
	shmRead(t.reqAddr, payload)
	return payload, nil
}

// Send writes payload into the response shared-memory segment, then
// announces its length on the response queue.
func (t *posixQueueTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(payload) > t.cfg.MaxMessageSize {
		return fmt.Errorf("transport: payload length %d exceeds max %d", len(payload), t.cfg.MaxMessageSize)
	}
	shmWrite(t.resAddr, payload)

	lenBuf := make([]byte, 8)
	putLittleEndianUint64(lenBuf, uint64(len(payload)))
	if err := mqSend(t.resMQ, lenBuf, 0, 5*time.Second); err != nil {
		return fmt.Errorf("transport: mq send: %w", err)
	}
	return nil
}

// Close detaches shared memory and closes both message queues.
func (t *posixQueueTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	detachShm(t.reqAddr)
	detachShm(t.resAddr)
	mqClose(t.reqMQ)
	mqClose(t.resMQ)
	return nil
}

func attachShm(name string, size int) (id int, addr uintptr, err error) {
	key, err := shmKeyFor(name)
	if err != nil {
		return 0, 0, err
	}
	id, err = unix.SysvShmGet(key, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("shmget: %w", err)
	}
	addr, err = unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("shmat: %w", err)
	}
	return id, addr, nil
}

func detachShm(addr uintptr) {
	if addr != 0 {
		_ = unix.SysvShmDetach(addr)
	}
}

func shmRead(addr uintptr, dst []byte) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(dst))
	copy(dst, src)
}

func shmWrite(addr uintptr, src []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(src))
	copy(dst, src)
}

// shmKeyFor derives a deterministic System V IPC key from a POSIX shared
// memory name (ftok-style: a stable hash of the name, since the simulator
// and validator must agree on the same key without a shared filesystem path).
func shmKeyFor(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("empty shared memory name")
	}
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return int(h & 0x7fffffff), nil
}

func littleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLittleEndianUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// mqOpen, mqSend, mqReceive, mqClose wrap the POSIX message-queue syscalls
// (mq_open/mq_timedsend/mq_timedreceive/mq_close), which golang.org/x/sys/unix
// exposes as raw syscall numbers on linux rather than typed helpers.
func mqOpen(name string, oflag int, mode uint32, maxMsgSize int) (int, error) {
	path, err := unix.BytePtrFromString(name)
	if err != nil {
		return 0, err
	}
	attr := &mqAttr{Maxmsg: 10, Msgsize: int64(maxMsgSize)}
	r1, _, errno := unix.Syscall6(unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(path)), uintptr(oflag), uintptr(mode), uintptr(unsafe.Pointer(attr)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

func mqSend(mqd int, data []byte, prio uint, timeout time.Duration) error {
	ts := unix.NsecToTimespec(time.Now().Add(timeout).UnixNano())
	_, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDSEND,
		uintptr(mqd), uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), uintptr(prio), uintptr(unsafe.Pointer(&ts)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func mqReceive(mqd int, buf []byte, prio uint) (int, uint, error) {
	ts := unix.NsecToTimespec(time.Now().Add(30 * time.Second).UnixNano())
	n, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDRECEIVE,
		uintptr(mqd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(unsafe.Pointer(&prio)), uintptr(unsafe.Pointer(&ts)), 0)
	if errno != 0 {
		return 0, 0, errno
	}
	return int(n), prio, nil
}

func mqClose(mqd int) {
	unix.Close(mqd)
}
