package transport

import (
	"sync"
	"time"

	"github.com/c360/acqstreams/errors"
)

// Loopback returns two connected in-memory Devices. Bytes written on
// one end are readable on the other. Used by driver tests and by the
// replay tooling; real hardware uses the serial implementation.
func Loopback() (*LoopEnd, *LoopEnd) {
	a := &LoopEnd{data: make(chan []byte, 64)}
	b := &LoopEnd{data: make(chan []byte, 64)}
	a.peer, b.peer = b, a
	return a, b
}

// LoopEnd is one end of a Loopback pair.
type LoopEnd struct {
	mu       sync.Mutex
	data     chan []byte
	leftover []byte
	peer     *LoopEnd
	closed   bool
}

// Read implements Device.
func (e *LoopEnd) Read(buf []byte, timeout time.Duration) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, errors.WrapTransport(errors.ErrDeviceGone, "loopback", "Read", "closed end")
	}
	if len(e.leftover) > 0 {
		n := copy(buf, e.leftover)
		e.leftover = e.leftover[n:]
		e.mu.Unlock()
		return n, nil
	}
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-e.data:
		if !ok {
			return 0, errors.WrapTransport(errors.ErrDeviceGone, "loopback", "Read", "peer closed")
		}
		n := copy(buf, chunk)
		if n < len(chunk) {
			e.mu.Lock()
			e.leftover = append(e.leftover, chunk[n:]...)
			e.mu.Unlock()
		}
		return n, nil
	case <-timer.C:
		return 0, errors.ErrTimeout
	}
}

// Write implements Device.
func (e *LoopEnd) Write(buf []byte, timeout time.Duration) (int, error) {
	e.mu.Lock()
	closed := e.closed || e.peer.isClosed()
	e.mu.Unlock()
	if closed {
		return 0, errors.WrapTransport(errors.ErrDeviceGone, "loopback", "Write", "closed end")
	}

	chunk := make([]byte, len(buf))
	copy(chunk, buf)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e.peer.data <- chunk:
		return len(buf), nil
	case <-timer.C:
		return 0, errors.ErrTimeout
	}
}

// Close implements Device.
func (e *LoopEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.peer.data)
	}
	return nil
}

func (e *LoopEnd) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// MemAsync is an in-memory Async implementation. A fill function
// supplies data for each transfer at poll time, modeling a device that
// produces data as completions are reaped. Drivers for real USB
// hardware plug in their libusb-equivalent here.
type MemAsync struct {
	mu        sync.Mutex
	pending   []*memTransfer
	fill      func(buf []byte) (int, Status)
	blockSize int
	cancelled bool
}

type memTransfer struct {
	buf  []byte
	done func(Completion)
}

// NewMemAsync creates a MemAsync with the given block granularity and
// fill function.
func NewMemAsync(blockSize int, fill func(buf []byte) (int, Status)) *MemAsync {
	if blockSize <= 0 {
		blockSize = 512
	}
	return &MemAsync{fill: fill, blockSize: blockSize}
}

// Submit implements Async.
func (m *MemAsync) Submit(buf []byte, done func(Completion)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return errors.WrapArgument(errors.ErrAcquisitionDone, "memasync", "Submit", "submit after cancel")
	}
	m.pending = append(m.pending, &memTransfer{buf: buf, done: done})
	return nil
}

// CancelAll implements Async.
func (m *MemAsync) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
}

// PollOnce implements Async. It completes every pending transfer in
// submission order: cancelled ones with StatusCancelled, the rest via
// the fill function.
func (m *MemAsync) PollOnce(_ time.Duration) (int, error) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	cancelled := m.cancelled
	m.mu.Unlock()

	for _, t := range batch {
		if cancelled {
			t.done(Completion{Buf: t.buf, Status: StatusCancelled})
			continue
		}
		n, status := m.fill(t.buf)
		t.done(Completion{Buf: t.buf, Length: n, Status: status})
	}
	return len(batch), nil
}

// BlockSize implements Async.
func (m *MemAsync) BlockSize() int { return m.blockSize }

// Outstanding returns the number of submitted, not yet completed
// transfers.
func (m *MemAsync) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
