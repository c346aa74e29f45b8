package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"nodelab/pkg/model"
)

// Config is the controller configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`
	UIDir      string `mapstructure:"ui_dir"`

	Store    StoreConfig    `mapstructure:"store"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Overlay  OverlayConfig  `mapstructure:"overlay"`
	Images   ImagesConfig   `mapstructure:"images"`
	Emulator EmulatorConfig `mapstructure:"emulator"`
	Network  NetworkConfig  `mapstructure:"network"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Log      LogConfig      `mapstructure:"log"`
	TLS      TLSConfig      `mapstructure:"tls"`
}

type StoreConfig struct {
	Backend      string `mapstructure:"backend"` // file|memory|consul
	ConsulAddr   string `mapstructure:"consul_addr"`
	ConsulPrefix string `mapstructure:"consul_prefix"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"` // empty keeps the audit log in memory
}

type OverlayConfig struct {
	Dir     string `mapstructure:"dir"`
	QemuImg string `mapstructure:"qemu_img"`
}

type ImagesConfig struct {
	Standard string `mapstructure:"standard"`
	Router   string `mapstructure:"router"`
}

// ForKind returns the base image backing overlays of the given kind.
func (c ImagesConfig) ForKind(k model.Kind) string {
	if k == model.KindRouter {
		return c.Router
	}
	return c.Standard
}

type EmulatorConfig struct {
	Binary     string `mapstructure:"binary"`
	RAMMB      int    `mapstructure:"ram_mb"`
	MonitorDir string `mapstructure:"monitor_dir"`
}

type NetworkConfig struct {
	Driver   string `mapstructure:"driver"`    // netlink|memory
	TapOwner string `mapstructure:"tap_owner"` // user name or uid; empty means the current user
}

type GatewayConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DSN       string `mapstructure:"dsn"`
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Database  string `mapstructure:"database"`
	Hostname  string `mapstructure:"hostname"` // host the gateway daemon dials to reach displays
	URLPrefix string `mapstructure:"url_prefix"`
	Migrate   bool   `mapstructure:"migrate"`
}

// MySQLDSN returns DSN when set, otherwise one assembled from the discrete fields.
func (g GatewayConfig) MySQLDSN() string {
	if g.DSN != "" {
		return g.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		g.User, g.Password, g.Host, g.Port, g.Database)
}

type TimeoutsConfig struct {
	Exec      time.Duration `mapstructure:"exec"`
	Start     time.Duration `mapstructure:"start"`
	DB        time.Duration `mapstructure:"db"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TLSConfig struct {
	Cert     string `mapstructure:"cert"`
	Key      string `mapstructure:"key"`
	ClientCA string `mapstructure:"client_ca"`
}

// NodesFile is the path of the persisted node records.
func (c *Config) NodesFile() string {
	return filepath.Join(c.DataDir, "nodes.json")
}

// Validate checks fields the controller cannot start without.
func (c *Config) Validate() error {
	var problems []error
	if c.ListenAddr == "" {
		problems = append(problems, errors.New("listen_addr is required"))
	}
	switch c.Store.Backend {
	case "file":
		if c.DataDir == "" {
			problems = append(problems, errors.New("data_dir is required for the file store"))
		}
	case "memory", "consul":
	default:
		problems = append(problems, fmt.Errorf("unsupported store backend %q", c.Store.Backend))
	}
	if c.Overlay.Dir == "" || c.Overlay.QemuImg == "" {
		problems = append(problems, errors.New("overlay.dir and overlay.qemu_img are required"))
	}
	if c.Images.Standard == "" || c.Images.Router == "" {
		problems = append(problems, errors.New("images.standard and images.router are required"))
	}
	if c.Network.Driver != "netlink" && c.Network.Driver != "memory" {
		problems = append(problems, fmt.Errorf("unsupported network driver %q", c.Network.Driver))
	}
	if c.Emulator.Binary == "" {
		problems = append(problems, errors.New("emulator.binary is required"))
	}
	if c.Emulator.RAMMB <= 0 {
		problems = append(problems, errors.New("emulator.ram_mb must be positive"))
	}
	if c.Gateway.Enabled && c.Gateway.DSN == "" && c.Gateway.Host == "" {
		problems = append(problems, errors.New("gateway.dsn or gateway.host is required when the gateway is enabled"))
	}
	if c.Timeouts.Exec <= 0 || c.Timeouts.Start <= 0 || c.Timeouts.DB <= 0 {
		problems = append(problems, errors.New("timeouts.exec, timeouts.start and timeouts.db must be positive"))
	}
	return errors.Join(problems...)
}
