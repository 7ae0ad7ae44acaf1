package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/pkg/retry"
)

// SerialConfig describes a serial port. Line discipline beyond the
// basics is out of scope; drivers that need exotic settings configure
// the port before handing it to the framework.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits serial.StopBits
	Parity   serial.Parity
}

// SerialPort adapts a go.bug.st/serial port to the Device interface.
type SerialPort struct {
	port   serial.Port
	name   string
	logger *slog.Logger
}

// OpenSerial opens the configured port, retrying transient open
// failures (ports briefly held by modem managers and the like).
func OpenSerial(ctx context.Context, cfg SerialConfig, logger *slog.Logger) (*SerialPort, error) {
	if cfg.Port == "" {
		return nil, errors.WrapArgument(errors.New("empty port name"),
			"transport", "OpenSerial", "config validation")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "serial", "port", cfg.Port)

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}

	open := func() (serial.Port, error) {
		return serial.Open(cfg.Port, mode)
	}
	port, err := retry.DoWithResult(ctx, retry.Quick(), open)
	if err != nil {
		return nil, errors.WrapTransport(err, "transport", "OpenSerial", "port open")
	}

	logger.Debug("Serial port opened", "baud", cfg.BaudRate)
	return &SerialPort{port: port, name: cfg.Port, logger: logger}, nil
}

// Read reads up to len(buf) bytes waiting at most timeout. A timeout
// with no data maps to errors.ErrTimeout so state machines can poll.
func (s *SerialPort) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, errors.WrapTransport(err, "serial", "Read", "timeout configuration")
	}
	n, err := s.port.Read(buf)
	if err != nil {
		return n, errors.WrapTransport(err, "serial", "Read", "port read")
	}
	if n == 0 {
		return 0, errors.ErrTimeout
	}
	return n, nil
}

// Write writes the whole buffer. The serial layer has no write
// timeout; the deadline bounds the overall attempt.
func (s *SerialPort) Write(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(buf) {
		if timeout > 0 && time.Now().After(deadline) {
			return written, errors.WrapTransport(errors.ErrTimeout,
				"serial", "Write", fmt.Sprintf("wrote %d of %d bytes", written, len(buf)))
		}
		n, err := s.port.Write(buf[written:])
		if err != nil {
			return written, errors.WrapTransport(err, "serial", "Write", "port write")
		}
		written += n
	}
	return written, nil
}

// Close closes the port.
func (s *SerialPort) Close() error {
	if err := s.port.Close(); err != nil {
		return errors.WrapTransport(err, "serial", "Close", "port close")
	}
	return nil
}
