// Package decode turns raw cluster memory read back from a capture
// device into ordered logic sample packets on the datafeed.
//
// Device memory is organized as fixed-size clusters, each holding one
// timestamp and a fixed number of events. An event packs one or more
// temporally-adjacent sub-samples per channel; the packing depends on
// the configured rate, so the channel/sub-sample geometry is part of
// the decoder configuration. The device records transitions only:
// elapsed time not covered by a cluster's own events decodes into held
// samples repeating the last known value, so idle stretches come out as
// flat regions rather than zeros.
package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/trigger"
)

const (
	// ClusterSize is the size of one cluster in device memory: a 16-bit
	// timestamp followed by EventsPerCluster 16-bit events.
	ClusterSize = 16

	// EventsPerCluster is the number of events each cluster records.
	EventsPerCluster = 7

	// eventBits is the payload width of one event word.
	eventBits = 16

	// defaultChunkSamples bounds per-packet consumer-side allocation;
	// it has no correctness role.
	defaultChunkSamples = 16 * 1024
)

// Config is the per-acquisition decoder geometry, fixed at start.
type Config struct {
	// Channels is the number of logic channels per sample word.
	Channels int

	// SubSamples is the number of temporally-adjacent samples packed per
	// event, 1/SubSamples of the event period apart. Channels×SubSamples
	// must not exceed the event width.
	SubSamples int

	// Trigger is the compiled trigger used for the in-cluster re-scan,
	// nil or unarmed when the capture is untriggered.
	Trigger *trigger.Compiled

	// ChunkSamples caps samples per emitted Logic packet. Zero selects
	// the default.
	ChunkSamples int

	// Metrics is optional; nil disables decode accounting.
	Metrics *metric.Registry
}

// BlockOpts qualifies one block handed to DecodeBlock.
type BlockOpts struct {
	// TriggerCluster is the index, within this block, of the cluster the
	// device reports as containing the trigger point, -1 when none. The
	// report is accurate only to the cluster; the decoder re-scans for
	// the exact sample.
	TriggerCluster int

	// Final marks the last, possibly-partial block. Decoding stops as
	// soon as a reconstructed event timestamp exceeds CutoffTS and the
	// rest of the buffer is discarded.
	Final    bool
	CutoffTS uint64
}

// Decoder converts cluster blocks into Logic packets. State persists
// across DecodeBlock calls within one acquisition; Reset prepares the
// next one.
type Decoder struct {
	cfg  Config
	di   *device.Instance
	feed device.Feed

	prevTS      uint64
	tsBase      uint64
	lastRawTS   uint16
	lastSample  uint16
	initialized bool
	triggerSent bool

	chunk   []byte
	scratch []uint16
}

// New validates the geometry and creates a decoder emitting to feed.
func New(cfg Config, di *device.Instance, feed device.Feed) (*Decoder, error) {
	if cfg.Channels <= 0 || cfg.SubSamples <= 0 ||
		cfg.Channels*cfg.SubSamples > eventBits {
		return nil, errors.WrapArgument(
			fmt.Errorf("invalid geometry: %d channels x %d sub-samples", cfg.Channels, cfg.SubSamples),
			"decode", "New", "geometry validation")
	}
	if di == nil || feed == nil {
		return nil, errors.WrapArgument(errors.New("nil device or feed"),
			"decode", "New", "argument validation")
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = defaultChunkSamples
	}
	return &Decoder{
		cfg:     cfg,
		di:      di,
		feed:    feed,
		chunk:   make([]byte, 0, cfg.ChunkSamples*2),
		scratch: make([]uint16, 0, EventsPerCluster*cfg.SubSamples),
	}, nil
}

// Reset clears cross-call state for a new acquisition.
func (d *Decoder) Reset() {
	d.prevTS = 0
	d.tsBase = 0
	d.lastRawTS = 0
	d.lastSample = 0
	d.initialized = false
	d.triggerSent = false
	d.chunk = d.chunk[:0]
}

// DecodeBlock decodes one block of whole clusters in arrival order and
// flushes any buffered samples at the end, so the caller may reuse buf
// as soon as the call returns.
func (d *Decoder) DecodeBlock(buf []byte, opts BlockOpts) error {
	if len(buf)%ClusterSize != 0 {
		return errors.WrapProtocol(
			fmt.Errorf("block of %d bytes not cluster-aligned: %w", len(buf), errors.ErrMalformedData),
			"decode", "DecodeBlock", "cluster alignment check")
	}

	for ci := 0; ci*ClusterSize < len(buf); ci++ {
		cl := buf[ci*ClusterSize : (ci+1)*ClusterSize]
		cutoffHit, err := d.decodeCluster(cl, ci == opts.TriggerCluster, opts)
		if err != nil {
			return err
		}
		if cutoffHit {
			break
		}
	}
	return d.flush()
}

// decodeCluster handles one cluster: timestamp reconstruction, gap
// fill, event decode, trigger re-scan, terminal cutoff. It reports
// whether the cutoff was reached, which discards the rest of the block.
func (d *Decoder) decodeCluster(cl []byte, hasTrigger bool, opts BlockOpts) (bool, error) {
	raw := binary.LittleEndian.Uint16(cl[0:2])
	if d.initialized && raw < d.lastRawTS {
		d.tsBase += 1 << 16
	}
	d.lastRawTS = raw
	ts := d.tsBase + uint64(raw)

	if !d.initialized {
		// No previous timestamp to diff against: seed it one tick back
		// so the fill step below contributes nothing.
		d.prevTS = ts - 1
		d.initialized = true
	}

	// A terminal cluster past the cutoff is garbage; its delta must not
	// feed the gap fill.
	if opts.Final && ts > opts.CutoffTS {
		return true, nil
	}

	// Gap fill. The device records transitions only, so elapsed time
	// beyond this cluster's own event span becomes held samples.
	delta := ts - d.prevTS
	if held := int64(delta) - EventsPerCluster; held > 0 {
		if err := d.emitHeld(int(held) * d.cfg.SubSamples); err != nil {
			return false, err
		}
	}
	d.prevTS = ts

	// Reconstruct the cluster's samples, truncating at the terminal
	// cutoff. Event e occupies timestamp ts+e.
	prev := d.lastSample
	samples := d.scratch[:0]
	cutoffHit := false
	for e := 0; e < EventsPerCluster; e++ {
		if opts.Final && ts+uint64(e) > opts.CutoffTS {
			cutoffHit = true
			break
		}
		word := binary.LittleEndian.Uint16(cl[2+2*e:])
		for s := 0; s < d.cfg.SubSamples; s++ {
			samples = append(samples, d.gather(word, s))
		}
	}
	if len(samples) > 0 {
		d.lastSample = samples[len(samples)-1]
	}
	d.scratch = samples[:0]

	if hasTrigger && d.cfg.Trigger.Armed() && !d.triggerSent {
		return cutoffHit, d.emitWithTrigger(samples, prev)
	}
	return cutoffHit, d.emitSamples(samples)
}

// emitWithTrigger re-scans the cluster for the exact trigger sample and
// splits the emission around the marker. When the re-scan finds nothing
// sharper the marker lands after the cluster, latching the device's
// cluster-granular report.
func (d *Decoder) emitWithTrigger(samples []uint16, prev uint16) error {
	off := d.cfg.Trigger.FindOffset(samples, prev)
	if err := d.emitSamples(samples[:off]); err != nil {
		return err
	}
	if err := d.flush(); err != nil {
		return err
	}
	if err := d.feed.Send(d.di, &datafeed.Trigger{}); err != nil {
		return err
	}
	d.triggerSent = true
	return d.emitSamples(samples[off:])
}

// gather reconstructs one sample word: channel k contributes the event
// bit at position k*SubSamples+sub.
func (d *Decoder) gather(word uint16, sub int) uint16 {
	if d.cfg.SubSamples == 1 && d.cfg.Channels == eventBits {
		return word
	}
	var sample uint16
	for k := 0; k < d.cfg.Channels; k++ {
		if word&(1<<(k*d.cfg.SubSamples+sub)) != 0 {
			sample |= 1 << k
		}
	}
	return sample
}

func (d *Decoder) emitHeld(count int) error {
	for i := 0; i < count; i++ {
		if err := d.emitSample(d.lastSample); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) emitSamples(samples []uint16) error {
	for _, s := range samples {
		if err := d.emitSample(s); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) emitSample(s uint16) error {
	d.chunk = binary.LittleEndian.AppendUint16(d.chunk, s)
	if len(d.chunk) >= d.cfg.ChunkSamples*2 {
		return d.flush()
	}
	return nil
}

// flush sends the buffered samples as one Logic packet. The chunk
// buffer is reused afterwards; consumers copy what they keep.
func (d *Decoder) flush() error {
	if len(d.chunk) == 0 {
		return nil
	}
	pkt := &datafeed.Logic{Data: d.chunk, UnitSize: 2}
	n := pkt.SampleCount()
	if err := d.feed.Send(d.di, pkt); err != nil {
		return errors.Wrap(err, "decode", "flush", "sample packet send")
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.Core.SamplesDecoded.WithLabelValues(d.di.Model).Add(float64(n))
	}
	d.chunk = d.chunk[:0]
	return nil
}
