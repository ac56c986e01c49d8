package xmodem

import (
	"os"

	"github.com/BurntSushi/toml"
	serial "github.com/albenik/go-serial/v2"
	"github.com/pkg/errors"
)

// SerialConfig describes the serial line a transfer runs over. The
// defaults match the classic XMODEM deployment: 9600 bps, 8N1.
type SerialConfig struct {
	Port     string `toml:"port"`
	BaudRate int    `toml:"baud_rate"`
	DataBits int    `toml:"data_bits"`
	StopBits int    `toml:"stop_bits"`
	Parity   string `toml:"parity"`

	// ReadTimeoutMS bounds each blocking read on the port so the pump
	// can notice a finished transfer. Not a protocol timeout.
	ReadTimeoutMS int `toml:"read_timeout_ms"`
}

// DefaultSerialConfig returns the 9600 8N1 defaults for port.
func DefaultSerialConfig(port string) *SerialConfig {
	return &SerialConfig{
		Port:          port,
		BaudRate:      9600,
		DataBits:      8,
		StopBits:      1,
		Parity:        "none",
		ReadTimeoutMS: 200,
	}
}

// LoadSerialConfig reads a TOML port profile. Fields missing from the
// file keep their defaults.
func LoadSerialConfig(path string) (*SerialConfig, error) {
	cfg := DefaultSerialConfig("")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read port profile %s", path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse port profile %s", path)
	}
	if cfg.Port == "" {
		return nil, errors.Errorf("port profile %s names no port", path)
	}
	return cfg, nil
}

func (c *SerialConfig) parity() (serial.Parity, error) {
	switch c.Parity {
	case "", "none":
		return serial.NoParity, nil
	case "even":
		return serial.EvenParity, nil
	case "odd":
		return serial.OddParity, nil
	}
	return serial.NoParity, errors.Errorf("unknown parity %q", c.Parity)
}

func (c *SerialConfig) stopBits() (serial.StopBits, error) {
	switch c.StopBits {
	case 0, 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	}
	return serial.OneStopBit, errors.Errorf("unsupported stop bits %d", c.StopBits)
}

// OpenSerialPort opens and configures the port described by cfg. The
// returned port is an io.ReadWriteCloser suitable for NewSession.
func OpenSerialPort(cfg *SerialConfig) (*serial.Port, error) {
	parity, err := cfg.parity()
	if err != nil {
		return nil, err
	}
	stopBits, err := cfg.stopBits()
	if err != nil {
		return nil, err
	}

	dataBits := cfg.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 9600
	}
	readTimeout := cfg.ReadTimeoutMS
	if readTimeout == 0 {
		readTimeout = 200
	}

	port, err := serial.Open(cfg.Port,
		serial.WithBaudrate(baud),
		serial.WithDataBits(dataBits),
		serial.WithParity(parity),
		serial.WithStopBits(stopBits),
		serial.WithReadTimeout(readTimeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", cfg.Port)
	}
	return port, nil
}
