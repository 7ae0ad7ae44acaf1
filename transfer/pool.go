// Package transfer implements the asynchronous transfer pipeline for
// streaming devices whose bandwidth needs multiple outstanding I/O
// requests.
//
// A Pool owns a fixed set of buffers sized to cover roughly half a
// second of data at the configured rate, split into transfers of
// roughly ten milliseconds each, rounded to the transport's block
// granularity. Every completed transfer is converted and resubmitted
// immediately unless the acquisition has ended, so the in-flight count
// stays constant at steady state; the transport's own completion
// latency is the only flow control above this pool.
//
// All methods are session-thread-confined; completions are dispatched
// from within Poll on the same thread.
package transfer

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/pkg/buffer"
	"github.com/c360/acqstreams/transport"
	"github.com/c360/acqstreams/trigger"
)

const (
	// poolCoverageMS is the amount of data the whole pool covers.
	poolCoverageMS = 500

	// transferSpanMS is the amount of data one transfer covers, before
	// rounding to the transport block size.
	transferSpanMS = 10

	// DefaultMaxInFlight caps concurrently outstanding transfers.
	DefaultMaxInFlight = 32

	// DefaultMaxEmpty is the consecutive empty-or-failed completion
	// count after which the device is presumed dead.
	DefaultMaxEmpty = 64
)

// Config fixes the pipeline geometry for one acquisition.
type Config struct {
	SampleRate uint64 // samples per second
	Channels   int    // enabled logic channels, bit-packed on the wire

	// LimitSamples ends the acquisition after that many released
	// samples; zero streams until Cancel.
	LimitSamples uint64

	// CaptureRatio is the percentage of LimitSamples retained before
	// the software trigger fires.
	CaptureRatio int

	// Trigger, when armed, gates sample release until its condition is
	// seen in the converted stream.
	Trigger *trigger.Compiled

	MaxInFlight int
	MaxEmpty    int
	Metrics     *metric.Registry
}

// Pool drives the transfer pipeline for one acquisition.
type Pool struct {
	cfg    Config
	dev    transport.Async
	di     *device.Instance
	feed   device.Feed
	logger *slog.Logger

	transferSize int
	target       int
	inFlight     int

	ended   bool // stop resubmitting; outstanding work drains
	aborted bool
	abortErr error

	emptyRun   int
	released   uint64
	lastSample uint16
	fired      bool
	pretrig    *buffer.Ring[uint16]
}

// NewPool validates the configuration and computes the pipeline
// geometry. Buffers are allocated once, at Start.
func NewPool(cfg Config, dev transport.Async, di *device.Instance, feed device.Feed, logger *slog.Logger) (*Pool, error) {
	if cfg.SampleRate == 0 || cfg.Channels <= 0 || cfg.Channels > 16 {
		return nil, errors.WrapArgument(
			fmt.Errorf("invalid geometry: rate %d, %d channels", cfg.SampleRate, cfg.Channels),
			"transfer", "NewPool", "geometry validation")
	}
	if dev == nil || di == nil || feed == nil {
		return nil, errors.WrapArgument(errors.New("nil transport, device or feed"),
			"transfer", "NewPool", "argument validation")
	}
	if cfg.CaptureRatio < 0 || cfg.CaptureRatio > 100 {
		return nil, errors.WrapArgument(
			fmt.Errorf("capture ratio %d out of range: %w", cfg.CaptureRatio, errors.ErrOutOfRange),
			"transfer", "NewPool", "capture ratio validation")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MaxEmpty <= 0 {
		cfg.MaxEmpty = DefaultMaxEmpty
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		dev:    dev,
		di:     di,
		feed:   feed,
		logger: logger.With("component", "transfer", "device", di.Model),
	}
	p.transferSize, p.target = geometry(cfg, dev.BlockSize())

	if cfg.Trigger.Armed() {
		capacity := int(cfg.LimitSamples) * cfg.CaptureRatio / 100
		if capacity <= 0 {
			// Unbounded capture: retain up to the pool's own coverage.
			capacity = int(cfg.SampleRate) * poolCoverageMS / 1000
		}
		if capacity <= 0 {
			capacity = 1
		}
		ring, err := buffer.NewRing[uint16](capacity)
		if err != nil {
			return nil, err
		}
		p.pretrig = ring
	}
	return p, nil
}

// geometry computes the transfer size (≈10ms rounded up to the block
// granularity) and the steady-state transfer count (≈500ms of data,
// capped).
func geometry(cfg Config, blockSize int) (size, count int) {
	if blockSize <= 0 {
		blockSize = 512
	}
	bytesPerSec := cfg.SampleRate * uint64(cfg.Channels) / 8
	if bytesPerSec == 0 {
		bytesPerSec = 1
	}

	span := bytesPerSec * transferSpanMS / 1000
	size = int((span + uint64(blockSize) - 1) / uint64(blockSize) * uint64(blockSize))
	if size < blockSize {
		size = blockSize
	}

	count = int(bytesPerSec * poolCoverageMS / 1000 / uint64(size))
	if count < 1 {
		count = 1
	}
	if count > cfg.MaxInFlight {
		count = cfg.MaxInFlight
	}
	return size, count
}

// TransferSize returns the per-transfer buffer size in bytes.
func (p *Pool) TransferSize() int { return p.transferSize }

// Target returns the computed steady-state in-flight count.
func (p *Pool) Target() int { return p.target }

// InFlight returns the number of outstanding transfers.
func (p *Pool) InFlight() int { return p.inFlight }

// Finished reports whether the acquisition has ended and every
// outstanding transfer has drained.
func (p *Pool) Finished() bool { return p.ended && p.inFlight == 0 }

// Err returns the abort reason, nil for a clean end.
func (p *Pool) Err() error { return p.abortErr }

// Start allocates the pool and submits every transfer.
func (p *Pool) Start() error {
	if p.inFlight > 0 || p.ended {
		return errors.WrapArgument(errors.ErrAlreadyRunning, "transfer", "Start", "state check")
	}
	p.logger.Info("Starting transfer pipeline",
		"transfer_size", p.transferSize, "transfers", p.target)

	for i := 0; i < p.target; i++ {
		if err := p.submit(make([]byte, p.transferSize)); err != nil {
			p.Cancel()
			return errors.Wrap(err, "transfer", "Start", "initial submit")
		}
	}
	return nil
}

// Poll dispatches pending completions, waiting at most maxWait.
func (p *Pool) Poll(maxWait time.Duration) (int, error) {
	return p.dev.PollOnce(maxWait)
}

// Cancel stops resubmission and cancels outstanding transfers. They
// drain through Poll; an in-flight transfer is never half-cancelled.
func (p *Pool) Cancel() {
	if p.ended {
		return
	}
	p.ended = true
	p.dev.CancelAll()
}

func (p *Pool) submit(buf []byte) error {
	if err := p.dev.Submit(buf, p.onComplete); err != nil {
		return err
	}
	p.inFlight++
	p.observeInFlight()
	return nil
}

// onComplete is the per-transfer completion handler: classify, convert,
// release, resubmit.
func (p *Pool) onComplete(c transport.Completion) {
	p.inFlight--
	p.observeInFlight()

	switch {
	case c.Status == transport.StatusCancelled:
		return

	case c.Status == transport.StatusDeviceGone:
		p.abort(errors.WrapTransport(errors.ErrDeviceGone,
			"transfer", "onComplete", "completion handling"))
		return

	case c.Status == transport.StatusCompleted && c.Length > 0:
		p.emptyRun = 0
		if err := p.process(c.Buf[:c.Length]); err != nil {
			p.abort(err)
			return
		}

	default:
		// Empty or erroneous: tolerate a bounded run, then presume the
		// device stopped responding.
		p.emptyRun++
		if p.emptyRun >= p.cfg.MaxEmpty {
			p.abort(errors.WrapTransport(
				fmt.Errorf("%d consecutive empty transfers: %w", p.emptyRun, errors.ErrTimeout),
				"transfer", "onComplete", "empty transfer threshold"))
			return
		}
	}

	if p.ended {
		return
	}
	if err := p.submit(c.Buf); err != nil {
		p.abort(errors.Wrap(err, "transfer", "onComplete", "resubmit"))
	}
}

func (p *Pool) abort(err error) {
	if p.aborted {
		return
	}
	p.logger.Error("Aborting acquisition", "error", err)
	p.aborted = true
	p.abortErr = err
	p.Cancel()
}

// process converts one raw buffer and releases its samples, holding
// them back in the pre-trigger ring while a software trigger is armed
// and has not yet fired.
func (p *Pool) process(raw []byte) error {
	samples := p.unpack(raw)
	if len(samples) == 0 {
		return nil
	}

	if p.pretrig != nil && !p.fired {
		off := p.cfg.Trigger.FindOffset(samples, p.lastSample)
		p.lastSample = samples[len(samples)-1]
		if off == len(samples) {
			// Still waiting: retain, oldest out first past the ratio.
			for _, s := range samples {
				_ = p.pretrig.Write(s)
			}
			return nil
		}

		// Trigger found: retained history first, then the marker, then
		// everything from the trigger sample on.
		p.fired = true
		for _, s := range samples[:off] {
			_ = p.pretrig.Write(s)
		}
		if err := p.release(p.pretrig.Drain()); err != nil {
			return err
		}
		if err := p.feed.Send(p.di, &datafeed.Trigger{}); err != nil {
			return err
		}
		return p.release(samples[off:])
	}

	p.lastSample = samples[len(samples)-1]
	return p.release(samples)
}

// unpack converts the device's channel-interleaved bit layout into one
// 16-bit word per sample: sample i, channel k lives at bit i*C+k.
func (p *Pool) unpack(raw []byte) []uint16 {
	c := p.cfg.Channels
	n := len(raw) * 8 / c
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		var s uint16
		base := i * c
		for k := 0; k < c; k++ {
			bit := base + k
			if raw[bit/8]&(1<<(bit%8)) != 0 {
				s |= 1 << k
			}
		}
		out[i] = s
	}
	return out
}

// release emits samples downstream, enforcing the sample limit. Hitting
// the limit ends the acquisition; outstanding transfers drain.
func (p *Pool) release(samples []uint16) error {
	if len(samples) == 0 {
		return nil
	}
	if p.cfg.LimitSamples > 0 {
		remaining := p.cfg.LimitSamples - p.released
		if uint64(len(samples)) >= remaining {
			samples = samples[:remaining]
			defer p.Cancel()
		}
	}
	if len(samples) == 0 {
		return nil
	}

	data := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		data = binary.LittleEndian.AppendUint16(data, s)
	}
	if err := p.feed.Send(p.di, &datafeed.Logic{Data: data, UnitSize: 2}); err != nil {
		return errors.Wrap(err, "transfer", "release", "sample packet send")
	}
	p.released += uint64(len(samples))
	return nil
}

func (p *Pool) observeInFlight() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Core.TransfersInFlight.WithLabelValues(p.di.Model).Set(float64(p.inFlight))
	}
}
