// Package memla drives a cluster-memory logic analyzer: the device
// captures into its own DRAM and the driver downloads and decodes the
// memory after the capture window closes.
//
// Wire protocol, over any byte transport:
//
//	'I'              → 8-byte identity, "MEMLA16" + hardware revision
//	'A'              → arm, capture starts immediately
//	'H'              → halt, 14-byte status frame latching the stop and
//	                   trigger positions and the last valid timestamp
//	'R' + page (LE16) → one 512-byte block of cluster memory
//
// The acquisition state machine runs Idle → Capturing → Draining →
// Idle on the session thread; the whole drain happens inside a single
// poll callback.
package memla

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/decode"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/transport"
	"github.com/c360/acqstreams/trigger"
)

const (
	cmdIdent = 'I'
	cmdArm   = 'A'
	cmdHalt  = 'H'
	cmdRead  = 'R'

	identReply  = "MEMLA16"
	statusMagic = 0xA5

	flagTriggerSeen = 1 << 0
	flagMemoryFull  = 1 << 1

	// BlockClusters is the download granularity: one read command
	// returns this many clusters.
	BlockClusters = 32
	BlockSize     = BlockClusters * decode.ClusterSize

	statusFrameSize = 14
	identReplySize  = 8

	ioTimeout      = 500 * time.Millisecond
	pollIntervalMS = 10
)

type state int

const (
	stateIdle state = iota
	stateCapturing
	stateDraining
)

// devContext is the per-instance driver state. It is owned by the
// instance, never shared across devices.
type devContext struct {
	dev transport.Device

	sampleRate   uint64
	limitSamples uint64
	limitMsec    uint64
	captureRatio int

	state         state
	stopRequested bool
	startTime     time.Time

	trig       *trigger.Compiled
	dec        *decode.Decoder
	geoChans   int
	subSamples int
}

var (
	_ device.Driver    = (*Driver)(nil)
	_ device.Committer = (*Driver)(nil)
)

// Driver implements device.Driver for the cluster-memory analyzer.
type Driver struct {
	logger  *slog.Logger
	metrics *metric.Registry
	dial    func(conn string) (transport.Device, error)
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

// WithDial overrides how a connection string becomes a transport.
// Tests plug in loopback pairs here.
func WithDial(dial func(conn string) (transport.Device, error)) Option {
	return func(d *Driver) { d.dial = dial }
}

// NewDriver creates the driver. The default dial opens a serial port.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "memla")
	if d.dial == nil {
		d.dial = func(conn string) (transport.Device, error) {
			return transport.OpenSerial(context.Background(),
				transport.SerialConfig{Port: conn, BaudRate: 921600}, d.logger)
		}
	}
	return d
}

// Name implements device.Driver.
func (d *Driver) Name() string { return "memla" }

// Scan implements device.Driver. The analyzer cannot be probed blind;
// a connection string must be supplied.
func (d *Driver) Scan(opts map[device.ConfigKey]any) ([]*device.Instance, error) {
	conn, ok := opts[device.KeyConn].(string)
	if !ok || conn == "" {
		return nil, nil
	}

	dev, err := d.dial(conn)
	if err != nil {
		return nil, errors.Wrap(err, "memla", "Scan", "transport dial")
	}

	ident, err := d.probe(dev)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	di := device.NewInstance(d, "ACME", identReply, fmt.Sprintf("rev%d", ident))
	for i := 0; i < 16; i++ {
		di.Channels = append(di.Channels, &device.Channel{
			Index: i, Name: fmt.Sprintf("D%d", i), Type: device.ChannelLogic, Enabled: true,
		})
	}
	di.SetPriv(&devContext{
		dev:        dev,
		sampleRate: 1_000_000,
	})
	d.logger.Info("Found device", "conn", conn, "revision", ident)
	return []*device.Instance{di}, nil
}

// probe checks the identity reply and returns the hardware revision.
func (d *Driver) probe(dev transport.Device) (byte, error) {
	if _, err := dev.Write([]byte{cmdIdent}, ioTimeout); err != nil {
		return 0, errors.Wrap(err, "memla", "probe", "ident command")
	}
	reply := make([]byte, identReplySize)
	if err := readFull(dev, reply); err != nil {
		return 0, errors.Wrap(err, "memla", "probe", "ident reply")
	}
	if string(reply[:len(identReply)]) != identReply {
		return 0, errors.WrapProtocol(
			fmt.Errorf("unexpected identity %q: %w", reply[:len(identReply)], errors.ErrMalformedData),
			"memla", "probe", "identity check")
	}
	return reply[len(identReply)], nil
}

// Open implements device.Driver. The transport was established at scan
// time; Open only flips the instance active.
func (d *Driver) Open(di *device.Instance) error {
	if _, err := d.ctx(di); err != nil {
		return err
	}
	di.Status = device.StatusActive
	return nil
}

// Close implements device.Driver.
func (d *Driver) Close(di *device.Instance) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	di.Status = device.StatusInactive
	return pc.dev.Close()
}

// ConfigList implements device.Driver.
func (d *Driver) ConfigList() []device.ConfigKey {
	return []device.ConfigKey{
		device.KeySampleRate, device.KeyLimitSamples, device.KeyLimitMsec,
		device.KeyCaptureRatio, device.KeyConn,
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
	case device.KeyLimitMsec:
		return pc.limitMsec, nil
	case device.KeyCaptureRatio:
		return pc.captureRatio, nil
	default:
		return nil, errors.WrapArgument(
			fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "memla", "ConfigGet", "key lookup")
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
		if !ok {
			return badValue(key)
		}
		pc.sampleRate = rate
	case device.KeyLimitSamples:
		n, ok := value.(uint64)
		if !ok {
			return badValue(key)
		}
		pc.limitSamples = n
	case device.KeyLimitMsec:
		ms, ok := value.(uint64)
		if !ok {
			return badValue(key)
		}
		pc.limitMsec = ms
	case device.KeyCaptureRatio:
		ratio, ok := value.(int)
		if !ok || ratio < 0 || ratio > 100 {
			return badValue(key)
		}
		pc.captureRatio = ratio
	default:
		return errors.WrapArgument(
			fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "memla", "ConfigSet", "key lookup")
	}
	return nil
}

func badValue(key device.ConfigKey) error {
	return errors.WrapArgument(
		fmt.Errorf("invalid value for %s", key), "memla", "ConfigSet", "value validation")
}

// ConfigCommit implements device.Committer: batched settings are
// validated against the hardware's rate grid before the session starts.
func (d *Driver) ConfigCommit(di *device.Instance) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	if _, _, err := geometry(pc.sampleRate); err != nil {
		return err
	}
	return nil
}

// geometry maps the sample rate to the event packing: higher rates
// trade channels for temporally-adjacent sub-samples per event.
func geometry(rate uint64) (channels, subSamples int, err error) {
	switch {
	case rate == 0:
		return 0, 0, errors.WrapArgument(errors.New("sample rate not set"),
			"memla", "geometry", "rate validation")
	case rate <= 50_000_000:
		return 16, 1, nil
	case rate == 100_000_000:
		return 8, 2, nil
	case rate == 200_000_000:
		return 4, 4, nil
	default:
		return 0, 0, errors.WrapArgument(
			fmt.Errorf("unsupported sample rate %d: %w", rate, errors.ErrOutOfRange),
			"memla", "geometry", "rate validation")
	}
}

// AcquisitionStart implements device.Driver: compile the trigger, emit
// Header and Meta, arm the hardware, register the poll source.
func (d *Driver) AcquisitionStart(di *device.Instance, feed device.Feed) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	if pc.state != stateIdle {
		return errors.WrapArgument(errors.ErrAlreadyRunning, "memla", "AcquisitionStart", "state check")
	}

	chans, subs, err := geometry(pc.sampleRate)
	if err != nil {
		return err
	}
	pc.geoChans, pc.subSamples = chans, subs

	compiled, err := feed.Trigger().Compile(chans)
	if err != nil {
		return errors.Wrap(err, "memla", "AcquisitionStart", "trigger compile")
	}
	pc.trig = compiled

	dec, err := decode.New(decode.Config{
		Channels:   chans,
		SubSamples: subs,
		Trigger:    compiled,
		Metrics:    d.metrics,
	}, di, feed)
	if err != nil {
		return err
	}
	pc.dec = dec

	if err := feed.Send(di, &datafeed.Header{FeedVersion: 1, StartTime: time.Now()}); err != nil {
		return err
	}
	if err := feed.Send(di, &datafeed.Meta{
		SampleRate:   pc.sampleRate,
		LogicChans:   chans,
		CaptureRatio: pc.captureRatio,
	}); err != nil {
		return err
	}

	if _, err := pc.dev.Write([]byte{cmdArm}, ioTimeout); err != nil {
		return errors.Wrap(err, "memla", "AcquisitionStart", "arm command")
	}

	pc.state = stateCapturing
	pc.stopRequested = false
	pc.startTime = time.Now()
	d.observeState(di, pc)
	d.logger.Info("Acquisition armed", "rate", pc.sampleRate, "channels", chans)

	return feed.AddSource(di, nil, pollIntervalMS, func(int) bool {
		return d.poll(di, feed)
	})
}

// AcquisitionStop implements device.Driver: flag the capture for drain;
// the next poll performs the halt and download.
func (d *Driver) AcquisitionStop(di *device.Instance) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	if pc.state == stateCapturing {
		pc.stopRequested = true
	}
	return nil
}

// poll is the capture-mode timer callback. Returning false deregisters
// the source, which is what lets the session's idle-stop detector fire.
func (d *Driver) poll(di *device.Instance, feed device.Feed) bool {
	pc, err := d.ctx(di)
	if err != nil {
		d.logger.Error("Poll without device context", "error", err)
		_ = feed.Send(di, &datafeed.End{})
		return false
	}

	if pc.state != stateCapturing {
		return false
	}
	if !pc.stopRequested && !d.captureWindowClosed(pc) {
		return true
	}

	pc.state = stateDraining
	d.observeState(di, pc)
	if err := d.drain(di, pc, feed); err != nil {
		// Transport failures surface here; consumers still get closure.
		d.logger.Error("Capture download failed", "error", err)
	}
	if err := feed.Send(di, &datafeed.End{}); err != nil {
		d.logger.Error("End packet send failed", "error", err)
	}
	pc.state = stateIdle
	d.observeState(di, pc)
	return false
}

// captureWindowClosed checks the configured elapsed-time budget. A
// sample limit converts to time at the configured rate; with neither
// limit the capture runs until stopped.
func (d *Driver) captureWindowClosed(pc *devContext) bool {
	var budget time.Duration
	switch {
	case pc.limitMsec > 0:
		budget = time.Duration(pc.limitMsec) * time.Millisecond
	case pc.limitSamples > 0:
		budget = time.Duration(pc.limitSamples * uint64(time.Second) / pc.sampleRate)
	default:
		return false
	}
	return time.Since(pc.startTime) >= budget
}

// drain halts the device, latches positions, downloads the cluster
// memory block by block and feeds each block to the decoder.
func (d *Driver) drain(di *device.Instance, pc *devContext, feed device.Feed) error {
	st, err := d.halt(pc)
	if err != nil {
		return err
	}

	stopPos := decode.AdjustPosition(uint64(st.stopPos))
	totalClusters := stopPos/decode.EventsPerCluster + 1

	trigCluster := int64(-1)
	if st.flags&flagTriggerSeen != 0 && pc.trig.Armed() {
		trigCluster = int64(decode.AdjustPosition(uint64(st.trigPos)) / decode.EventsPerCluster)
	}

	blocks := (totalClusters + BlockClusters - 1) / BlockClusters
	d.logger.Info("Downloading capture",
		"clusters", totalClusters, "blocks", blocks, "trigger_cluster", trigCluster)

	pc.dec.Reset()
	buf := make([]byte, BlockSize)
	for b := uint64(0); b < blocks; b++ {
		if err := d.readBlock(pc, uint16(b), buf); err != nil {
			return err
		}

		opts := decode.BlockOpts{TriggerCluster: -1}
		if rel := trigCluster - int64(b*BlockClusters); rel >= 0 && rel < BlockClusters {
			opts.TriggerCluster = int(rel)
		}
		if b == blocks-1 {
			opts.Final = true
			opts.CutoffTS = uint64(st.lastTS)
		}
		if err := pc.dec.DecodeBlock(buf, opts); err != nil {
			return err
		}
	}
	return nil
}

type statusFrame struct {
	flags   byte
	stopPos uint32
	trigPos uint32
	lastTS  uint32
}

// halt issues the halt command and reads the latched status frame.
func (d *Driver) halt(pc *devContext) (*statusFrame, error) {
	if _, err := pc.dev.Write([]byte{cmdHalt}, ioTimeout); err != nil {
		return nil, errors.Wrap(err, "memla", "halt", "halt command")
	}
	raw := make([]byte, statusFrameSize)
	if err := readFull(pc.dev, raw); err != nil {
		return nil, errors.Wrap(err, "memla", "halt", "status frame read")
	}
	if raw[0] != statusMagic {
		return nil, errors.WrapProtocol(
			fmt.Errorf("bad status magic 0x%02x: %w", raw[0], errors.ErrMalformedData),
			"memla", "halt", "status frame check")
	}
	return &statusFrame{
		flags:   raw[1],
		stopPos: binary.LittleEndian.Uint32(raw[2:6]),
		trigPos: binary.LittleEndian.Uint32(raw[6:10]),
		lastTS:  binary.LittleEndian.Uint32(raw[10:14]),
	}, nil
}

// readBlock requests one page of cluster memory.
func (d *Driver) readBlock(pc *devContext, page uint16, buf []byte) error {
	cmd := []byte{cmdRead, 0, 0}
	binary.LittleEndian.PutUint16(cmd[1:], page)
	if _, err := pc.dev.Write(cmd, ioTimeout); err != nil {
		return errors.Wrap(err, "memla", "readBlock", "read command")
	}
	if err := readFull(pc.dev, buf); err != nil {
		return errors.Wrap(err, "memla", "readBlock", fmt.Sprintf("page %d read", page))
	}
	return nil
}

func (d *Driver) ctx(di *device.Instance) (*devContext, error) {
	priv, err := di.Priv()
	if err != nil {
		return nil, err
	}
	pc, ok := priv.(*devContext)
	if !ok {
		return nil, errors.WrapBug(errors.New("foreign private context"),
			"memla", "ctx", "context type check")
	}
	return pc, nil
}

func (d *Driver) observeState(di *device.Instance, pc *devContext) {
	if d.metrics != nil {
		d.metrics.Core.AcquisitionState.WithLabelValues(di.Model).Set(float64(pc.state))
	}
}

// readFull reads exactly len(buf) bytes, looping over short reads.
func readFull(dev transport.Device, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := dev.Read(buf[got:], ioTimeout)
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}
