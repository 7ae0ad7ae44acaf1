// Package demo implements a hardware-free driver for exercising the
// framework: logic channels fed by a configurable pattern generator and
// analog channels fed by host load figures, so the datafeed carries
// live-looking data on any machine.
package demo

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
)

const (
	logicChannels  = 8
	pollIntervalMS = 10

	// PatternIncremental counts up one step per sample.
	PatternIncremental = "incremental"
	// PatternWalking walks a single high bit across the channels.
	PatternWalking = "walking"
	// PatternRandom emits pseudo-random samples.
	PatternRandom = "random"
	// PatternAllLow and PatternAllHigh hold every channel flat.
	PatternAllLow  = "all-low"
	PatternAllHigh = "all-high"
)

var _ device.Driver = (*Driver)(nil)

// HostStats supplies the analog channel values, fractions in percent.
type HostStats func() (cpuPct, memPct float64, err error)

func gopsutilStats() (float64, float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	var c float64
	if len(pcts) > 0 {
		c = pcts[0]
	}
	return c, vm.UsedPercent, nil
}

type devContext struct {
	sampleRate   uint64
	limitSamples uint64
	pattern      string

	sent          uint64
	counter       uint8
	rng           *rand.Rand
	batch         []byte
	stopRequested bool
}

// Driver implements device.Driver for the demo device.
type Driver struct {
	logger *slog.Logger
	stats  HostStats
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithHostStats overrides the analog source; tests inject fixed values.
func WithHostStats(stats HostStats) Option {
	return func(d *Driver) { d.stats = stats }
}

// NewDriver creates the demo driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "demo")
	if d.stats == nil {
		d.stats = gopsutilStats
	}
	return d
}

// Name implements device.Driver.
func (d *Driver) Name() string { return "demo" }

// Scan implements device.Driver. The demo device always exists.
func (d *Driver) Scan(map[device.ConfigKey]any) ([]*device.Instance, error) {
	di := device.NewInstance(d, "acqstreams", "Demo", "1.0")
	for i := 0; i < logicChannels; i++ {
		di.Channels = append(di.Channels, &device.Channel{
			Index: i, Name: fmt.Sprintf("D%d", i), Type: device.ChannelLogic, Enabled: true,
		})
	}
	di.Channels = append(di.Channels,
		&device.Channel{Index: logicChannels, Name: "CPU", Type: device.ChannelAnalog, Enabled: true},
		&device.Channel{Index: logicChannels + 1, Name: "MEM", Type: device.ChannelAnalog, Enabled: true},
	)
	di.SetPriv(&devContext{
		sampleRate: 1000,
		pattern:    PatternIncremental,
	})
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
	return []device.ConfigKey{
		device.KeySampleRate, device.KeyLimitSamples, device.KeyPattern,
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
	case device.KeyPattern:
		return pc.pattern, nil
	default:
		return nil, errors.WrapArgument(
			fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "demo", "ConfigGet", "key lookup")
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
			return errors.WrapArgument(
				fmt.Errorf("invalid value for %s", key), "demo", "ConfigSet", "value validation")
		}
		pc.sampleRate = rate
	case device.KeyLimitSamples:
		n, ok := value.(uint64)
		if !ok {
			return errors.WrapArgument(
				fmt.Errorf("invalid value for %s", key), "demo", "ConfigSet", "value validation")
		}
		pc.limitSamples = n
	case device.KeyPattern:
		name, ok := value.(string)
		if !ok {
			return errors.WrapArgument(
				fmt.Errorf("invalid value for %s", key), "demo", "ConfigSet", "value validation")
		}
		switch name {
		case PatternIncremental, PatternWalking, PatternRandom, PatternAllLow, PatternAllHigh:
			pc.pattern = name
		default:
			return errors.WrapArgument(
				fmt.Errorf("unknown pattern %q", name), "demo", "ConfigSet", "pattern validation")
		}
	default:
		return errors.WrapArgument(
			fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "demo", "ConfigSet", "key lookup")
	}
	return nil
}

// AcquisitionStart implements device.Driver.
func (d *Driver) AcquisitionStart(di *device.Instance, feed device.Feed) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}

	pc.sent = 0
	pc.counter = 0
	pc.stopRequested = false
	pc.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	// One bounded batch buffer per acquisition, never re-derived per
	// callback.
	batch := int(pc.sampleRate) * pollIntervalMS / 1000
	if batch < 1 {
		batch = 1
	}
	pc.batch = make([]byte, batch)

	if err := feed.Send(di, &datafeed.Header{FeedVersion: 1, StartTime: time.Now()}); err != nil {
		return err
	}
	if err := feed.Send(di, &datafeed.Meta{
		SampleRate:  pc.sampleRate,
		LogicChans:  logicChannels,
		AnalogChans: 2,
	}); err != nil {
		return err
	}

	d.logger.Info("Acquisition started", "pattern", pc.pattern, "rate", pc.sampleRate)
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

// tick generates one batch of logic samples and one analog reading.
func (d *Driver) tick(di *device.Instance, pc *devContext, feed device.Feed) bool {
	if pc.stopRequested {
		_ = feed.Send(di, &datafeed.End{})
		return false
	}

	batch := pc.batch
	if pc.limitSamples > 0 {
		if remaining := pc.limitSamples - pc.sent; uint64(len(batch)) > remaining {
			batch = batch[:remaining]
		}
	}
	d.generate(pc, batch)

	if err := feed.Send(di, &datafeed.Logic{Data: batch, UnitSize: 1}); err != nil {
		d.logger.Error("Sample send failed", "error", err)
		_ = feed.Send(di, &datafeed.End{})
		return false
	}
	pc.sent += uint64(len(batch))

	if err := d.sendAnalog(di, feed); err != nil {
		d.logger.Warn("Host stats unavailable", "error", err)
	}

	if pc.limitSamples > 0 && pc.sent >= pc.limitSamples {
		_ = feed.Send(di, &datafeed.End{})
		return false
	}
	return true
}

func (d *Driver) generate(pc *devContext, batch []byte) {
	switch pc.pattern {
	case PatternWalking:
		for i := range batch {
			batch[i] = 1 << (pc.counter % logicChannels)
			pc.counter++
		}
	case PatternRandom:
		for i := range batch {
			batch[i] = byte(pc.rng.Intn(256))
		}
	case PatternAllLow:
		for i := range batch {
			batch[i] = 0x00
		}
	case PatternAllHigh:
		for i := range batch {
			batch[i] = 0xFF
		}
	default: // incremental
		for i := range batch {
			batch[i] = pc.counter
			pc.counter++
		}
	}
}

func (d *Driver) sendAnalog(di *device.Instance, feed device.Feed) error {
	cpuPct, memPct, err := d.stats()
	if err != nil {
		return err
	}
	return feed.Send(di, &datafeed.Analog{
		Data:     []float64{cpuPct, memPct},
		Channels: []int{logicChannels, logicChannels + 1},
		Encoding: datafeed.Encoding{Float: true, UnitSize: 8},
		Unit:     "%",
	})
}

func (d *Driver) ctx(di *device.Instance) (*devContext, error) {
	priv, err := di.Priv()
	if err != nil {
		return nil, err
	}
	pc, ok := priv.(*devContext)
	if !ok {
		return nil, errors.WrapBug(errors.New("foreign private context"),
			"demo", "ctx", "context type check")
	}
	return pc, nil
}
