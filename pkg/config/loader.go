package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "NODELAB"

// Loader reads configuration from an optional YAML file, the environment and defaults.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load resolves the configuration. path may be empty, in which case nodelab.yaml is searched
// for in /etc/nodelab, $HOME/.nodelab and the working directory; a missing file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("nodelab")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath("/etc/nodelab")
		l.v.AddConfigPath("$HOME/.nodelab")
		l.v.AddConfigPath(".")
	}

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.setDefaults()
	l.bindLegacyEnv()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Set overrides a key after defaults; flags use this.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("listen_addr", ":3000")
	l.v.SetDefault("data_dir", "/app/data")
	l.v.SetDefault("ui_dir", "web")

	l.v.SetDefault("store.backend", "file")
	l.v.SetDefault("store.consul_addr", "127.0.0.1:8500")
	l.v.SetDefault("store.consul_prefix", "nodelab")
	l.v.SetDefault("journal.path", "/app/data/journal.db")

	l.v.SetDefault("overlay.dir", "/app/overlays")
	l.v.SetDefault("overlay.qemu_img", "qemu-img")
	l.v.SetDefault("images.standard", "/app/images/base.qcow2")
	l.v.SetDefault("images.router", "/app/images/router.qcow2")

	l.v.SetDefault("emulator.binary", "qemu-system-x86_64")
	l.v.SetDefault("emulator.ram_mb", 2048)
	l.v.SetDefault("emulator.monitor_dir", "/tmp")

	l.v.SetDefault("network.driver", "netlink")
	l.v.SetDefault("network.tap_owner", "")

	l.v.SetDefault("gateway.enabled", true)
	l.v.SetDefault("gateway.dsn", "")
	l.v.SetDefault("gateway.host", "mysql")
	l.v.SetDefault("gateway.port", "3306")
	l.v.SetDefault("gateway.user", "guacuser")
	l.v.SetDefault("gateway.password", "")
	l.v.SetDefault("gateway.database", "guacdb")
	l.v.SetDefault("gateway.hostname", "backend")
	l.v.SetDefault("gateway.url_prefix", "/guacamole/#/client/")
	l.v.SetDefault("gateway.migrate", false)

	l.v.SetDefault("timeouts.exec", "30s")
	l.v.SetDefault("timeouts.start", "15s")
	l.v.SetDefault("timeouts.db", "5s")
	l.v.SetDefault("timeouts.stop_grace", "10s")

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")
}

// bindLegacyEnv honours the MYSQL_* variables used by existing gateway deployments.
func (l *Loader) bindLegacyEnv() {
	legacy := map[string]string{
		"gateway.dsn":      "MYSQL_DSN",
		"gateway.host":     "MYSQL_HOST",
		"gateway.port":     "MYSQL_PORT",
		"gateway.user":     "MYSQL_USER",
		"gateway.password": "MYSQL_PASS",
		"gateway.database": "MYSQL_DB",
	}
	for key, env := range legacy {
		_ = l.v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
}

// loadDotEnv applies ./.env when present. A file that exists but does not parse is an error.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
