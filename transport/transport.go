// Package transport defines the boundary between device drivers and
// the byte-moving layer underneath them.
//
// The acquisition core consumes these interfaces and never retries
// transport errors itself; implementations that want retry semantics
// (e.g. opening a flaky serial port) apply them below this boundary.
package transport

import "time"

// Device is a synchronous transport with bounded timeouts.
type Device interface {
	// Read reads up to len(buf) bytes, waiting at most timeout.
	// A timeout with no data returns (0, errors.ErrTimeout).
	Read(buf []byte, timeout time.Duration) (int, error)

	// Write writes len(buf) bytes, waiting at most timeout.
	Write(buf []byte, timeout time.Duration) (int, error)

	Close() error
}

// Status classifies a completed asynchronous transfer.
type Status int

const (
	// StatusCompleted means the transfer finished with data.
	StatusCompleted Status = iota
	// StatusTimedOut means the deadline elapsed; partial data may be present.
	StatusTimedOut
	// StatusError means the transfer failed.
	StatusError
	// StatusCancelled means the transfer was cancelled by CancelAll.
	StatusCancelled
	// StatusDeviceGone means the device was removed.
	StatusDeviceGone
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed-out"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	case StatusDeviceGone:
		return "device-gone"
	default:
		return "unknown"
	}
}

// Completion reports one finished asynchronous transfer. Buf is the
// buffer originally submitted; ownership moves back to the callback.
type Completion struct {
	Buf    []byte
	Length int
	Status Status
}

// Async is the USB-style transport capability: multiple outstanding
// requests completed by a single-threaded poll.
type Async interface {
	// Submit queues buf for one transfer. done is invoked from within
	// PollOnce when the transfer finishes; it must not be called
	// concurrently with another completion.
	Submit(buf []byte, done func(Completion)) error

	// CancelAll cancels every outstanding transfer. Cancelled transfers
	// still complete (with StatusCancelled) through PollOnce.
	CancelAll()

	// PollOnce dispatches pending completions, waiting at most maxWait
	// for one to arrive. It returns the number dispatched.
	PollOnce(maxWait time.Duration) (int, error)

	// BlockSize returns the transfer size granularity in bytes.
	BlockSize() int
}
