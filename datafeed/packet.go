// Package datafeed defines the uniform packet envelope carried between
// hardware drivers and consumers.
//
// Packets are transient: a driver constructs one, the session delivers
// it synchronously through the transform chain to every registered
// callback, and the driver may reuse the backing buffers as soon as the
// send returns. A consumer that wants to retain payload data past the
// callback must copy it.
package datafeed

import "time"

// PacketType discriminates the packet union.
type PacketType int

const (
	// TypeHeader is the first packet of every acquisition.
	TypeHeader PacketType = iota
	// TypeMeta describes the sample stream (rate, channel count).
	TypeMeta
	// TypeTrigger marks the trigger position within the sample stream.
	TypeTrigger
	// TypeLogic carries logic samples.
	TypeLogic
	// TypeAnalog carries analog samples.
	TypeAnalog
	// TypeFrameBegin opens a device-defined frame of samples.
	TypeFrameBegin
	// TypeFrameEnd closes a device-defined frame of samples.
	TypeFrameEnd
	// TypeEnd is the last packet of every acquisition.
	TypeEnd
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeMeta:
		return "meta"
	case TypeTrigger:
		return "trigger"
	case TypeLogic:
		return "logic"
	case TypeAnalog:
		return "analog"
	case TypeFrameBegin:
		return "frame-begin"
	case TypeFrameEnd:
		return "frame-end"
	case TypeEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Packet is the envelope delivered on the datafeed bus.
type Packet interface {
	Type() PacketType
}

// Header opens an acquisition feed.
type Header struct {
	FeedVersion int
	StartTime   time.Time
}

// Type implements Packet.
func (*Header) Type() PacketType { return TypeHeader }

// Meta describes the sample packets that follow. Streaming devices send
// it immediately after the Header, before any sample packet.
type Meta struct {
	SampleRate   uint64 // samples per second
	LogicChans   int
	AnalogChans  int
	CaptureRatio int // requested pre-trigger retention, percent
}

// Type implements Packet.
func (*Meta) Type() PacketType { return TypeMeta }

// Trigger marks the trigger position. It is emitted between the sample
// packet preceding the trigger point and the one starting at it.
type Trigger struct{}

// Type implements Packet.
func (*Trigger) Type() PacketType { return TypeTrigger }

// Logic carries logic samples as packed sample words. Each sample
// occupies UnitSize bytes, little-endian, channel k in bit k.
type Logic struct {
	Data     []byte
	UnitSize int
}

// Type implements Packet.
func (*Logic) Type() PacketType { return TypeLogic }

// SampleCount returns the number of samples in the payload.
func (l *Logic) SampleCount() int {
	if l.UnitSize <= 0 {
		return 0
	}
	return len(l.Data) / l.UnitSize
}

// Encoding describes how analog values were produced from the wire.
type Encoding struct {
	Float     bool // raw integer vs converted float
	Signed    bool
	BigEndian bool
	UnitSize  int // bytes per raw value
}

// Analog carries analog samples. Data holds Channels-interleaved values:
// sample s of channel c at Data[s*len(Channels)+c].
type Analog struct {
	Data     []float64
	Channels []int // channel indexes, in interleave order
	Encoding Encoding
	Unit     string // measurement unit, e.g. "V"
}

// Type implements Packet.
func (*Analog) Type() PacketType { return TypeAnalog }

// FrameBegin opens a device-defined frame.
type FrameBegin struct{}

// Type implements Packet.
func (*FrameBegin) Type() PacketType { return TypeFrameBegin }

// FrameEnd closes a device-defined frame.
type FrameEnd struct{}

// Type implements Packet.
func (*FrameEnd) Type() PacketType { return TypeFrameEnd }

// End closes an acquisition feed. Drivers must always emit it, also on
// the failure path, so consumers are never left waiting for closure.
type End struct{}

// Type implements Packet.
func (*End) Type() PacketType { return TypeEnd }
