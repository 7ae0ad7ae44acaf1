package replay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
)

const (
	pollIntervalMS = 1

	// chunkSamples bounds one replayed Logic packet.
	chunkSamples = 4096
)

var _ device.Driver = (*Driver)(nil)

type devContext struct {
	capture *Capture

	offset        int
	stopRequested bool
}

// Driver implements device.Driver for stored captures.
type Driver struct {
	logger *slog.Logger
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// NewDriver creates the replay driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "replay")
	return d
}

// Name implements device.Driver.
func (d *Driver) Name() string { return "replay" }

// Scan implements device.Driver: the connection string is the capture
// file path.
func (d *Driver) Scan(opts map[device.ConfigKey]any) ([]*device.Instance, error) {
	path, ok := opts[device.KeyConn].(string)
	if !ok || path == "" {
		return nil, nil
	}

	capture, err := Load(path)
	if err != nil {
		return nil, err
	}

	di := device.NewInstance(d, "acqstreams", "Replay", fmt.Sprintf("v%d", capture.Version))
	for i, name := range capture.Channels {
		di.Channels = append(di.Channels, &device.Channel{
			Index: i, Name: name, Type: device.ChannelLogic, Enabled: true,
		})
	}
	di.SetPriv(&devContext{capture: capture})
	d.logger.Info("Loaded capture",
		"path", path, "samples", capture.SampleCount(), "rate", capture.SampleRate)
	return []*device.Instance{di}, nil
}

// Open implements device.Driver.
func (d *Driver) Open(di *device.Instance) error {
	if _, err := d.ctx(di); err != nil {
		return err
	}
	di.Status = device.StatusActive
	return nil
}

// Close implements device.Driver.
func (d *Driver) Close(di *device.Instance) error {
	di.Status = device.StatusInactive
	return nil
}

// ConfigList implements device.Driver.
func (d *Driver) ConfigList() []device.ConfigKey {
	return []device.ConfigKey{device.KeySampleRate, device.KeyConn}
}

// ConfigGet implements device.Driver. The stored metadata is read-only.
func (d *Driver) ConfigGet(di *device.Instance, key device.ConfigKey) (any, error) {
	pc, err := d.ctx(di)
	if err != nil {
		return nil, err
	}
	if key == device.KeySampleRate {
		return pc.capture.SampleRate, nil
	}
	return nil, errors.WrapArgument(
		fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "replay", "ConfigGet", "key lookup")
}

// ConfigSet implements device.Driver. Stored captures are immutable.
func (d *Driver) ConfigSet(di *device.Instance, key device.ConfigKey, _ any) error {
	return errors.WrapArgument(
		fmt.Errorf("%w: %s is read-only for stored captures", errors.ErrConfigKey, key),
		"replay", "ConfigSet", "key lookup")
}

// AcquisitionStart implements device.Driver.
func (d *Driver) AcquisitionStart(di *device.Instance, feed device.Feed) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	pc.offset = 0
	pc.stopRequested = false

	if err := feed.Send(di, &datafeed.Header{FeedVersion: 1, StartTime: time.Now()}); err != nil {
		return err
	}
	if err := feed.Send(di, &datafeed.Meta{
		SampleRate: pc.capture.SampleRate,
		LogicChans: len(pc.capture.Channels),
	}); err != nil {
		return err
	}

	return feed.AddSource(di, nil, pollIntervalMS, func(int) bool {
		return d.tick(di, pc, feed)
	})
}

// AcquisitionStop implements device.Driver.
func (d *Driver) AcquisitionStop(di *device.Instance) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	pc.stopRequested = true
	return nil
}

func (d *Driver) tick(di *device.Instance, pc *devContext, feed device.Feed) bool {
	if pc.stopRequested || pc.offset >= len(pc.capture.Data) {
		_ = feed.Send(di, &datafeed.End{})
		return false
	}

	chunk := chunkSamples * pc.capture.UnitSize
	end := pc.offset + chunk
	if end > len(pc.capture.Data) {
		end = len(pc.capture.Data)
	}

	err := feed.Send(di, &datafeed.Logic{
		Data:     pc.capture.Data[pc.offset:end],
		UnitSize: pc.capture.UnitSize,
	})
	if err != nil {
		d.logger.Error("Replay send failed", "error", err)
		_ = feed.Send(di, &datafeed.End{})
		return false
	}
	pc.offset = end
	return true
}

func (d *Driver) ctx(di *device.Instance) (*devContext, error) {
	priv, err := di.Priv()
	if err != nil {
		return nil, err
	}
	pc, ok := priv.(*devContext)
	if !ok {
		return nil, errors.WrapBug(errors.New("foreign private context"),
			"replay", "ctx", "context type check")
	}
	return pc, nil
}
