// Package replay persists finished captures and plays them back
// through the datafeed, so stored data flows to consumers exactly like
// a live device.
package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/acqstreams/errors"
)

// captureVersion tags the on-disk format.
const captureVersion = 1

// Capture is the persisted form of one acquisition: a flat sample
// buffer plus the metadata needed to replay it.
type Capture struct {
	Version    int      `yaml:"version"`
	SampleRate uint64   `yaml:"samplerate"`
	UnitSize   int      `yaml:"unitsize"`
	Channels   []string `yaml:"channels"`
	Data       []byte   `yaml:"data"`
}

// SampleCount returns the number of samples in the buffer.
func (c *Capture) SampleCount() int {
	if c.UnitSize <= 0 {
		return 0
	}
	return len(c.Data) / c.UnitSize
}

func (c *Capture) validate() error {
	switch {
	case c.UnitSize < 1 || c.UnitSize > 8:
		return errors.WrapArgument(
			fmt.Errorf("unit size %d out of range: %w", c.UnitSize, errors.ErrOutOfRange),
			"replay", "validate", "unit size check")
	case len(c.Data)%c.UnitSize != 0:
		return errors.WrapArgument(
			fmt.Errorf("%d data bytes not a multiple of unit size %d: %w",
				len(c.Data), c.UnitSize, errors.ErrMalformedData),
			"replay", "validate", "sample alignment check")
	case c.SampleRate == 0:
		return errors.WrapArgument(errors.New("sample rate not set"),
			"replay", "validate", "sample rate check")
	case len(c.Channels) == 0:
		return errors.WrapArgument(errors.New("no channels"),
			"replay", "validate", "channel check")
	}
	return nil
}

// Save writes the capture to path.
func Save(path string, c *Capture) error {
	if err := c.validate(); err != nil {
		return err
	}
	out := *c
	out.Version = captureVersion
	raw, err := yaml.Marshal(&out)
	if err != nil {
		return errors.WrapResource(err, "replay", "Save", "capture encode")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.WrapResource(err, "replay", "Save", "capture write")
	}
	return nil
}

// Load reads a capture from path.
func Load(path string) (*Capture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapResource(err, "replay", "Load", "capture read")
	}
	var c Capture
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrMalformedData, err),
			"replay", "Load", "capture decode")
	}
	if c.Version != captureVersion {
		return nil, errors.WrapProtocol(
			fmt.Errorf("unsupported capture version %d: %w", c.Version, errors.ErrMalformedData),
			"replay", "Load", "version check")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
