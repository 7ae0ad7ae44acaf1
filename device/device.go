// Package device defines the driver boundary of the acquisition
// framework: the capability interface every hardware driver implements,
// the per-device instance state, and the driver registry.
package device

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/trigger"
)

// ChannelType distinguishes logic from analog signals.
type ChannelType int

const (
	// ChannelLogic is a digital signal contributing one bit per sample.
	ChannelLogic ChannelType = iota
	// ChannelAnalog is an analog signal measured in float values.
	ChannelAnalog
)

// String returns the channel type name.
func (t ChannelType) String() string {
	switch t {
	case ChannelLogic:
		return "logic"
	case ChannelAnalog:
		return "analog"
	default:
		return "unknown"
	}
}

// Channel is a named, indexed, typed signal. Identity (index, name,
// type) is immutable once created; only Enabled may change, and only
// before acquisition starts.
type Channel struct {
	Index   int
	Name    string
	Type    ChannelType
	Enabled bool
}

// Status is the connection state of a device instance.
type Status int

const (
	// StatusInactive means the instance exists but is not open.
	StatusInactive Status = iota
	// StatusActive means the instance is open and usable.
	StatusActive
)

// ConfigKey identifies a device configuration item.
type ConfigKey string

// Well-known configuration keys. Drivers may define their own.
const (
	KeySampleRate   ConfigKey = "samplerate"     // uint64, samples/s
	KeyLimitMsec    ConfigKey = "limit_msec"     // uint64, capture duration
	KeyLimitSamples ConfigKey = "limit_samples"  // uint64, capture length
	KeyCaptureRatio ConfigKey = "capture_ratio"  // int, pre-trigger percent
	KeyPattern      ConfigKey = "pattern"        // string, demo pattern name
	KeyConn         ConfigKey = "conn"           // string, connection spec
)

// Instance represents one physical or logical device. It is created at
// scan time, belongs to at most one session, and is destroyed on driver
// cleanup. All fields are session-thread-confined after Start.
type Instance struct {
	ID       string
	Vendor   string
	Model    string
	Version  string
	Status   Status
	Channels []*Channel

	driver  Driver
	priv    any // driver-private context, owned by this instance
	session any // owning session, nil when detached
}

// NewInstance creates an instance owned by driver.
func NewInstance(driver Driver, vendor, model, version string) *Instance {
	return &Instance{
		ID:      uuid.NewString(),
		Vendor:  vendor,
		Model:   model,
		Version: version,
		driver:  driver,
	}
}

// Driver returns the driver owning this instance.
func (di *Instance) Driver() Driver { return di.driver }

// SetPriv stores the driver-private context.
func (di *Instance) SetPriv(priv any) { di.priv = priv }

// Priv returns the driver-private context, or a BugError if the driver
// never attached one. Drivers treat that as non-recoverable for this
// device only.
func (di *Instance) Priv() (any, error) {
	if di.priv == nil {
		return nil, errors.WrapBug(
			fmt.Errorf("device %s has no private context", di.ID),
			"device", "Priv", "private context lookup")
	}
	return di.priv, nil
}

// Session returns the owning session, nil when detached.
func (di *Instance) Session() any { return di.session }

// Attach records the owning session. Attaching an owned instance is a
// caller error.
func (di *Instance) Attach(session any) error {
	if di.session != nil {
		return errors.WrapArgument(errors.ErrDeviceInSession,
			"device", "Attach", "session assignment")
	}
	di.session = session
	return nil
}

// Detach clears the owning session.
func (di *Instance) Detach() { di.session = nil }

// EnabledLogic returns the enabled logic channels in index order.
func (di *Instance) EnabledLogic() []*Channel {
	var out []*Channel
	for _, ch := range di.Channels {
		if ch.Enabled && ch.Type == ChannelLogic {
			out = append(out, ch)
		}
	}
	return out
}

// HasEnabledChannel reports whether at least one channel is enabled.
func (di *Instance) HasEnabledChannel() bool {
	for _, ch := range di.Channels {
		if ch.Enabled {
			return true
		}
	}
	return false
}

// Feed is the narrow session capability handed to a driver for the
// duration of an acquisition: packet submission and event-source
// registration. The session implements it; drivers never see more of
// the session than this.
type Feed interface {
	// Send pushes a packet through the session's transform chain to all
	// registered consumers. A transform error aborts this send only.
	Send(di *Instance, pkt datafeed.Packet) error

	// AddSource registers an event source. ready may be nil for a pure
	// timer. The callback receives ReadyEvent when the source fired on
	// readiness and 0 when only the timeout elapsed; returning false
	// finalizes the source.
	AddSource(key any, ready <-chan struct{}, timeoutMS int, cb SourceFunc) error

	// RemoveSource deregisters an event source. Unknown keys are a
	// reported, non-fatal error.
	RemoveSource(key any) error

	// Trigger returns the session-wide trigger specification, nil when
	// none was configured.
	Trigger() *trigger.Spec
}

// ReadyEvent is the revents value passed to a SourceFunc when its
// readiness channel fired (as opposed to a bare timeout).
const ReadyEvent = 1

// SourceFunc is an event-source callback. revents is ReadyEvent on
// readiness, 0 on timeout. Returning false removes the source.
type SourceFunc func(revents int) bool

// Driver is the fixed capability set every hardware driver implements.
// It replaces the per-driver function-pointer table of older frameworks;
// a registry of drivers is just a collection built at startup.
type Driver interface {
	// Name returns the short driver name, e.g. "memla".
	Name() string

	// Scan probes for devices and returns instances for each one found.
	// Options narrow the probe (e.g. KeyConn to a fixed port).
	Scan(opts map[ConfigKey]any) ([]*Instance, error)

	// Open prepares the instance for use.
	Open(di *Instance) error

	// Close releases the instance's transport resources.
	Close(di *Instance) error

	// ConfigGet reads a configuration value.
	ConfigGet(di *Instance, key ConfigKey) (any, error)

	// ConfigSet writes a configuration value. Unsupported keys return
	// an argument error wrapping ErrConfigKey.
	ConfigSet(di *Instance, key ConfigKey, value any) error

	// ConfigList enumerates the keys this driver supports.
	ConfigList() []ConfigKey

	// AcquisitionStart arms the device and registers its event sources
	// with the feed. It must emit a Header packet (and, for streaming
	// devices, a Meta packet) before any sample packet.
	AcquisitionStart(di *Instance, feed Feed) error

	// AcquisitionStop requests an asynchronous stop. The device drains
	// and emits End on its own event sources.
	AcquisitionStop(di *Instance) error
}

// Committer is the optional capability of drivers that batch
// configuration writes; the session commits before starting.
type Committer interface {
	ConfigCommit(di *Instance) error
}
