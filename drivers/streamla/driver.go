// Package streamla drives a streaming logic analyzer with no device
// memory: samples flow continuously over an asynchronous transport and
// the driver keeps a pool of outstanding transfers to avoid drops at
// high rates. Triggering is software-only, evaluated in the converted
// stream with capture-ratio pre-trigger retention.
package streamla

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/transfer"
	"github.com/c360/acqstreams/transport"
)

const (
	channelCount   = 8
	pollIntervalMS = 5
)

var _ device.Driver = (*Driver)(nil)

type devContext struct {
	async transport.Async

	sampleRate   uint64
	limitSamples uint64
	captureRatio int

	pool *transfer.Pool
}

// Driver implements device.Driver for the streaming analyzer.
type Driver struct {
	logger  *slog.Logger
	metrics *metric.Registry
	open    func(conn string) (transport.Async, error)
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithMetrics enables metrics.
func WithMetrics(reg *metric.Registry) Option {
	return func(d *Driver) { d.metrics = reg }
}

// WithOpen supplies the asynchronous transport factory. The hardware
// variant plugs its USB stack in here; tests use in-memory transports.
func WithOpen(open func(conn string) (transport.Async, error)) Option {
	return func(d *Driver) { d.open = open }
}

// NewDriver creates the driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "streamla")
	return d
}

// Name implements device.Driver.
func (d *Driver) Name() string { return "streamla" }

// Scan implements device.Driver. A connection string and a transport
// factory are both required; without them nothing is found.
func (d *Driver) Scan(opts map[device.ConfigKey]any) ([]*device.Instance, error) {
	conn, ok := opts[device.KeyConn].(string)
	if !ok || conn == "" || d.open == nil {
		return nil, nil
	}

	async, err := d.open(conn)
	if err != nil {
		return nil, errors.Wrap(err, "streamla", "Scan", "transport open")
	}

	di := device.NewInstance(d, "ACME", "SLA-8", "1.0")
	for i := 0; i < channelCount; i++ {
		di.Channels = append(di.Channels, &device.Channel{
			Index: i, Name: fmt.Sprintf("D%d", i), Type: device.ChannelLogic, Enabled: true,
		})
	}
	di.SetPriv(&devContext{
		async:      async,
		sampleRate: 1_000_000,
	})
	d.logger.Info("Found device", "conn", conn)
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

// Close implements device.Driver. The async transport has no close of
// its own; outstanding transfers are cancelled.
func (d *Driver) Close(di *device.Instance) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	pc.async.CancelAll()
	di.Status = device.StatusInactive
	return nil
}

// ConfigList implements device.Driver.
func (d *Driver) ConfigList() []device.ConfigKey {
	return []device.ConfigKey{
		device.KeySampleRate, device.KeyLimitSamples, device.KeyCaptureRatio, device.KeyConn,
	}
}

// ConfigGet implements device.Driver.
func (d *Driver) ConfigGet(di *device.Instance, key device.ConfigKey) (any, error) {
	pc, err := d.ctx(di)
	if err != nil {
		return nil, err
	}
	switch key {
	case device.KeySampleRate:
		return pc.sampleRate, nil
	case device.KeyLimitSamples:
		return pc.limitSamples, nil
	case device.KeyCaptureRatio:
		return pc.captureRatio, nil
	default:
		return nil, errors.WrapArgument(
			fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "streamla", "ConfigGet", "key lookup")
	}
}

// ConfigSet implements device.Driver.
func (d *Driver) ConfigSet(di *device.Instance, key device.ConfigKey, value any) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	switch key {
	case device.KeySampleRate:
		rate, ok := value.(uint64)
		if !ok || rate == 0 {
			return badValue(key)
		}
		pc.sampleRate = rate
	case device.KeyLimitSamples:
		n, ok := value.(uint64)
		if !ok {
			return badValue(key)
		}
		pc.limitSamples = n
	case device.KeyCaptureRatio:
		ratio, ok := value.(int)
		if !ok || ratio < 0 || ratio > 100 {
			return badValue(key)
		}
		pc.captureRatio = ratio
	default:
		return errors.WrapArgument(
			fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "streamla", "ConfigSet", "key lookup")
	}
	return nil
}

func badValue(key device.ConfigKey) error {
	return errors.WrapArgument(
		fmt.Errorf("invalid value for %s", key), "streamla", "ConfigSet", "value validation")
}

// AcquisitionStart implements device.Driver: emit Header and Meta,
// start the transfer pool, register the completion-poll source.
func (d *Driver) AcquisitionStart(di *device.Instance, feed device.Feed) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	if pc.pool != nil {
		return errors.WrapArgument(errors.ErrAlreadyRunning, "streamla", "AcquisitionStart", "state check")
	}

	compiled, err := feed.Trigger().Compile(channelCount)
	if err != nil {
		return errors.Wrap(err, "streamla", "AcquisitionStart", "trigger compile")
	}

	pool, err := transfer.NewPool(transfer.Config{
		SampleRate:   pc.sampleRate,
		Channels:     channelCount,
		LimitSamples: pc.limitSamples,
		CaptureRatio: pc.captureRatio,
		Trigger:      compiled,
		Metrics:      d.metrics,
	}, pc.async, di, feed, d.logger)
	if err != nil {
		return err
	}

	if err := feed.Send(di, &datafeed.Header{FeedVersion: 1, StartTime: time.Now()}); err != nil {
		return err
	}
	if err := feed.Send(di, &datafeed.Meta{
		SampleRate:   pc.sampleRate,
		LogicChans:   channelCount,
		CaptureRatio: pc.captureRatio,
	}); err != nil {
		return err
	}

	if err := pool.Start(); err != nil {
		return err
	}
	pc.pool = pool
	d.logger.Info("Acquisition started",
		"rate", pc.sampleRate, "transfers", pool.Target(), "transfer_size", pool.TransferSize())

	return feed.AddSource(di, nil, pollIntervalMS, func(int) bool {
		return d.poll(di, pc, feed)
	})
}

// AcquisitionStop implements device.Driver: stop resubmitting and let
// outstanding transfers drain through the poll source.
func (d *Driver) AcquisitionStop(di *device.Instance) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	if pc.pool != nil {
		pc.pool.Cancel()
	}
	return nil
}

func (d *Driver) poll(di *device.Instance, pc *devContext, feed device.Feed) bool {
	if _, err := pc.pool.Poll(0); err != nil {
		d.logger.Error("Completion poll failed", "error", err)
	}
	if !pc.pool.Finished() {
		return true
	}

	if err := pc.pool.Err(); err != nil {
		d.logger.Error("Acquisition aborted", "error", err)
	}
	if err := feed.Send(di, &datafeed.End{}); err != nil {
		d.logger.Error("End packet send failed", "error", err)
	}
	pc.pool = nil
	return false
}

func (d *Driver) ctx(di *device.Instance) (*devContext, error) {
	priv, err := di.Priv()
	if err != nil {
		return nil, err
	}
	pc, ok := priv.(*devContext)
	if !ok {
		return nil, errors.WrapBug(errors.New("foreign private context"),
			"streamla", "ctx", "context type check")
	}
	return pc, nil
}
