package session

import (
	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
)

// Transform sits between drivers and consumers on the datafeed bus.
// Apply may pass a packet through, replace it, drop it by returning
// (nil, nil), or fail the send with an error. Transforms run in
// registration order on the session thread; a drop short-circuits the
// rest of the chain.
type Transform interface {
	// Name identifies the transform in error messages and logs.
	Name() string

	// Apply processes one packet. The input packet and its buffers are
	// only valid for the duration of the call.
	Apply(di *device.Instance, pkt datafeed.Packet) (datafeed.Packet, error)
}

// AddTransform appends a transform to the chain. Transforms cannot be
// added while the session is running.
func (s *Session) AddTransform(t Transform) error {
	if t == nil {
		return errors.WrapArgument(errors.New("nil transform"),
			"session", "AddTransform", "transform validation")
	}
	if s.isRunning() {
		return errors.WrapArgument(errors.ErrAlreadyRunning,
			"session", "AddTransform", "running check")
	}
	s.transforms = append(s.transforms, t)
	return nil
}

// TransformFunc adapts a function to the Transform interface.
type TransformFunc struct {
	TransformName string
	Fn            func(di *device.Instance, pkt datafeed.Packet) (datafeed.Packet, error)
}

// Name implements Transform.
func (t TransformFunc) Name() string { return t.TransformName }

// Apply implements Transform.
func (t TransformFunc) Apply(di *device.Instance, pkt datafeed.Packet) (datafeed.Packet, error) {
	return t.Fn(di, pkt)
}
