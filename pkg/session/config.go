package session

import (
	"io/ioutil"
	"time"

	"github.com/perigee-io/ble-link/pkg/link"
	"github.com/perigee-io/ble-link/pkg/util"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can use forms like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrap(err, "parse duration issue: ")
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the tunables of one session. Zero fields fall back to the
// well-known defaults, so an empty Config is fully usable.
type Config struct {
	ServiceUUID    string   `yaml:"service_uuid"`
	TXCharUUID     string   `yaml:"tx_char_uuid"`
	RXCharUUID     string   `yaml:"rx_char_uuid"`
	ScanTimeout    Duration `yaml:"scan_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the configuration matching the reference peripheral.
func DefaultConfig() Config {
	return Config{
		ServiceUUID:    util.ServiceUUID,
		TXCharUUID:     util.TXCharUUID,
		RXCharUUID:     util.RXCharUUID,
		ScanTimeout:    Duration(link.DefaultScanTimeout),
		ConnectTimeout: Duration(link.DefaultConnectTimeout),
	}
}

// LoadConfig reads a yaml config file. Fields absent from the file keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config issue: ")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config issue: ")
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServiceUUID == "" {
		c.ServiceUUID = d.ServiceUUID
	}
	if c.TXCharUUID == "" {
		c.TXCharUUID = d.TXCharUUID
	}
	if c.RXCharUUID == "" {
		c.RXCharUUID = d.RXCharUUID
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = d.ScanTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

func (c Config) linkOptions() link.Options {
	return link.Options{
		ServiceUUID:    c.ServiceUUID,
		TXCharUUID:     c.TXCharUUID,
		RXCharUUID:     c.RXCharUUID,
		ScanTimeout:    time.Duration(c.ScanTimeout),
		ConnectTimeout: time.Duration(c.ConnectTimeout),
	}
}
