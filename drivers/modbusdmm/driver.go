// Package modbusdmm drives bench multimeters that expose their display
// over Modbus: a register triple of raw value, decimal exponent and
// unit code, polled at a fixed cadence and emitted as analog packets.
package modbusdmm

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
)

const (
	// Register map: the meter latches its display into three holding
	// registers starting at regBase.
	regBase     = 0x0000
	regQuantity = 3

	pollIntervalMS = 100
	defaultUnitID  = 1
)

var _ device.Driver = (*Driver)(nil)

// unitNames maps the meter's unit code register to a display unit.
var unitNames = map[uint16]string{
	0: "V",
	1: "A",
	2: "Ohm",
	3: "Hz",
}

// RegisterReader is the slice of the Modbus client the driver needs.
type RegisterReader interface {
	ReadRegisters(addr uint16, quantity uint16) ([]uint16, error)
	Close() error
}

// modbusReader adapts the real Modbus client.
type modbusReader struct {
	client *modbus.ModbusClient
}

func (r *modbusReader) ReadRegisters(addr uint16, quantity uint16) ([]uint16, error) {
	return r.client.ReadRegisters(addr, quantity, modbus.HOLDING_REGISTER)
}

func (r *modbusReader) Close() error { return r.client.Close() }

func dialModbus(conn string) (RegisterReader, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     conn, // e.g. "rtu:///dev/ttyUSB0" or "tcp://10.0.0.5:502"
		Speed:   9600,
		Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Open(); err != nil {
		return nil, err
	}
	client.SetUnitId(defaultUnitID)
	return &modbusReader{client: client}, nil
}

type devContext struct {
	reader RegisterReader

	limitSamples  uint64
	sent          uint64
	stopRequested bool
}

// Driver implements device.Driver for Modbus multimeters.
type Driver struct {
	logger *slog.Logger
	dial   func(conn string) (RegisterReader, error)
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithDial overrides the Modbus connection factory for tests.
func WithDial(dial func(conn string) (RegisterReader, error)) Option {
	return func(d *Driver) { d.dial = dial }
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
	d.logger = d.logger.With("component", "modbusdmm")
	if d.dial == nil {
		d.dial = dialModbus
	}
	return d
}

// Name implements device.Driver.
func (d *Driver) Name() string { return "modbusdmm" }

// Scan implements device.Driver: dial the configured address and check
// that the register map answers.
func (d *Driver) Scan(opts map[device.ConfigKey]any) ([]*device.Instance, error) {
	conn, ok := opts[device.KeyConn].(string)
	if !ok || conn == "" {
		return nil, nil
	}

	reader, err := d.dial(conn)
	if err != nil {
		return nil, errors.WrapTransport(err, "modbusdmm", "Scan", "modbus dial")
	}
	if _, err := reader.ReadRegisters(regBase, regQuantity); err != nil {
		_ = reader.Close()
		return nil, errors.WrapTransport(err, "modbusdmm", "Scan", "register probe")
	}

	di := device.NewInstance(d, "generic", "DMM", "1.0")
	di.Channels = []*device.Channel{
		{Index: 0, Name: "P1", Type: device.ChannelAnalog, Enabled: true},
	}
	di.SetPriv(&devContext{reader: reader})
	d.logger.Info("Found meter", "conn", conn)
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
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	di.Status = device.StatusInactive
	return pc.reader.Close()
}

// ConfigList implements device.Driver.
func (d *Driver) ConfigList() []device.ConfigKey {
	return []device.ConfigKey{device.KeyLimitSamples, device.KeyConn}
}

// ConfigGet implements device.Driver.
func (d *Driver) ConfigGet(di *device.Instance, key device.ConfigKey) (any, error) {
	pc, err := d.ctx(di)
	if err != nil {
		return nil, err
	}
	if key == device.KeyLimitSamples {
		return pc.limitSamples, nil
	}
	return nil, errors.WrapArgument(
		fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "modbusdmm", "ConfigGet", "key lookup")
}

// ConfigSet implements device.Driver.
func (d *Driver) ConfigSet(di *device.Instance, key device.ConfigKey, value any) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	if key == device.KeyLimitSamples {
		n, ok := value.(uint64)
		if !ok {
			return errors.WrapArgument(
				fmt.Errorf("invalid value for %s", key), "modbusdmm", "ConfigSet", "value validation")
		}
		pc.limitSamples = n
		return nil
	}
	return errors.WrapArgument(
		fmt.Errorf("%w: %s", errors.ErrConfigKey, key), "modbusdmm", "ConfigSet", "key lookup")
}

// AcquisitionStart implements device.Driver.
func (d *Driver) AcquisitionStart(di *device.Instance, feed device.Feed) error {
	pc, err := d.ctx(di)
	if err != nil {
		return err
	}
	pc.sent = 0
	pc.stopRequested = false

	if err := feed.Send(di, &datafeed.Header{FeedVersion: 1, StartTime: time.Now()}); err != nil {
		return err
	}
	if err := feed.Send(di, &datafeed.Meta{AnalogChans: 1}); err != nil {
		return err
	}

	return feed.AddSource(di, nil, pollIntervalMS, func(int) bool {
		return d.poll(di, pc, feed)
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

func (d *Driver) poll(di *device.Instance, pc *devContext, feed device.Feed) bool {
	if pc.stopRequested {
		_ = feed.Send(di, &datafeed.End{})
		return false
	}

	regs, err := pc.reader.ReadRegisters(regBase, regQuantity)
	if err != nil || len(regs) < regQuantity {
		// A meter that stops answering ends this device's feed only.
		d.logger.Error("Register read failed", "error", err)
		_ = feed.Send(di, &datafeed.End{})
		return false
	}

	value := float64(int16(regs[0])) * math.Pow10(int(int16(regs[1])))
	unit, ok := unitNames[regs[2]]
	if !ok {
		unit = "?"
	}

	if err := feed.Send(di, &datafeed.Analog{
		Data:     []float64{value},
		Channels: []int{0},
		Encoding: datafeed.Encoding{Float: true, Signed: true, UnitSize: 8},
		Unit:     unit,
	}); err != nil {
		d.logger.Error("Analog send failed", "error", err)
		_ = feed.Send(di, &datafeed.End{})
		return false
	}

	pc.sent++
	if pc.limitSamples > 0 && pc.sent >= pc.limitSamples {
		_ = feed.Send(di, &datafeed.End{})
		return false
	}
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
			"modbusdmm", "ctx", "context type check")
	}
	return pc, nil
}
