//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/ipc"
	"github.com/romshark/nicring/peer"
)

const (
	modeSim = "sim"
	modePCI = "pci"
)

type Config struct {
	Device struct {
		Mode     string `yaml:"mode"`
		Resource string `yaml:"resource"` // Only used in pci mode.
		Pages    int    `yaml:"pages"`
	} `yaml:"device"`

	Driver struct {
		MAC    string `yaml:"mac"`
		TxRing int    `yaml:"tx-ring"`
		RxRing int    `yaml:"rx-ring"`
	} `yaml:"driver"`

	IPC struct {
		Pages int `yaml:"pages"`
	} `yaml:"ipc"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"`
		Path   string `yaml:"path"`
	} `yaml:"metrics"`

	Source struct {
		RateFPS   uint64 `yaml:"rate-fps"`
		Count     uint64 `yaml:"count"`
		FrameSize int    `yaml:"frame-size"`
		SrcIP     string `yaml:"src-ip"`
		DstIP     string `yaml:"dst-ip"`
		SrcPort   int    `yaml:"src-port"`
		DstPort   int    `yaml:"dst-port"`
	} `yaml:"source"`
}

func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nicd", flag.ContinueOnError)
	fConfig := fs.String("config", "nicd.yaml", "path to config YAML file")
	fMode := fs.String("m", "", "device mode (sim|pci)")
	fResource := fs.String("r", "", "PCI resource file")
	fCount := fs.Uint64("n", 0, "frames to generate")
	fLevel := fs.String("l", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	conf, err := parseConfig(b)
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides if necessary.
	if *fMode != "" {
		conf.Device.Mode = *fMode
	}
	if *fResource != "" {
		conf.Device.Resource = *fResource
	}
	if *fCount != 0 {
		conf.Source.Count = *fCount
	}
	if *fLevel != "" {
		conf.Logging.Level = *fLevel
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func parseConfig(b []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if c.Device.Mode == "" {
		c.Device.Mode = modeSim
	}
	if c.Device.Pages == 0 {
		c.Device.Pages = 256
	}
	if c.IPC.Pages == 0 {
		c.IPC.Pages = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Source.FrameSize == 0 {
		c.Source.FrameSize = 512
	}

	switch c.Device.Mode {
	case modeSim:
	case modePCI:
		if c.Device.Resource == "" {
			return errors.New("device.resource must be set in pci mode (or use -r)")
		}
	default:
		return fmt.Errorf("unsupported device.mode %q", c.Device.Mode)
	}
	if c.Device.Pages <= 0 {
		return errors.New("device.pages must be > 0")
	}
	if c.IPC.Pages <= 1 {
		return errors.New("ipc.pages must be > 1")
	}

	if _, err := c.driverConfig(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported logging.format %q", c.Logging.Format)
	}

	if net.ParseIP(c.Source.SrcIP).To4() == nil {
		return fmt.Errorf("invalid source.src-ip %q", c.Source.SrcIP)
	}
	if net.ParseIP(c.Source.DstIP).To4() == nil {
		return fmt.Errorf("invalid source.dst-ip %q", c.Source.DstIP)
	}
	if c.Source.SrcPort <= 0 || c.Source.SrcPort > 65535 {
		return errors.New("source.src-port must be between 1-65535")
	}
	if c.Source.DstPort <= 0 || c.Source.DstPort > 65535 {
		return errors.New("source.dst-port must be between 1-65535")
	}
	if c.Source.FrameSize < peer.MinFrameSize || c.Source.FrameSize > ipc.MaxPacketLen {
		return fmt.Errorf("source.frame-size must be between %d-%d",
			peer.MinFrameSize, ipc.MaxPacketLen)
	}
	return nil
}

func (c *Config) driverConfig() (e1000.Config, error) {
	conf := e1000.Config{TxRingLen: c.Driver.TxRing, RxRingLen: c.Driver.RxRing}
	if c.Driver.MAC != "" {
		mac, err := net.ParseMAC(c.Driver.MAC)
		if err != nil {
			return conf, fmt.Errorf("invalid driver.mac %q: %w", c.Driver.MAC, err)
		}
		conf.MAC = mac
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *Config) logger() *logrus.Logger {
	l := logrus.New()
	lvl, _ := logrus.ParseLevel(c.Logging.Level)
	l.SetLevel(lvl)
	if c.Logging.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}
