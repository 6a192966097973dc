// Package config handles global configuration loading using viper, in the
// same shape as the teacher's capture-agent config: a single YAML root key
// unmarshalled via mapstructure, environment-variable overrides, and a
// ValidateAndApplyDefaults pass run once after load.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig is the top-level static configuration, shared by the agent
// and worker binaries (they each only read the sections relevant to them).
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node"`
	Control ControlConfig `mapstructure:"control"`
	Bus     BusConfig     `mapstructure:"bus"`
	Storage StorageConfig `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// NodeConfig identifies this process.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"`
	IP       string            `mapstructure:"ip"`
	Tags     map[string]string `mapstructure:"tags"`
}

// ControlConfig configures the local JSON-RPC-over-UDS control channel.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// BusConfig configures the Redis-backed bus adapter (spec §4.4).
type BusConfig struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StopperRefresh    time.Duration `mapstructure:"stopper_refresh"`
}

// StorageConfig configures the S3-compatible object-store adapter
// (spec §4.5).
type StorageConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	Region             string `mapstructure:"region"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	UsePathStyle       bool   `mapstructure:"use_path_style"`
	TargetsBucketPrefix string `mapstructure:"targets_bucket_prefix"`
}

// DatabaseConfig configures the ClickHouse-backed registry (spec §4.3).
type DatabaseConfig struct {
	Addr              []string      `mapstructure:"addr"`
	Database          string        `mapstructure:"database"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	TableMeasurements string        `mapstructure:"table_measurements"`
	TableAgents       string        `mapstructure:"table_agents"`
}

// AgentConfig configures the agent measurement loop (spec §4.1).
type AgentConfig struct {
	ProberPath         string `mapstructure:"prober_path"`
	ProberExcludePath  string `mapstructure:"prober_exclude_path"`
	BGPPrefixesFile    string `mapstructure:"bgp_prefixes_file"`
	ResultsDirPath     string `mapstructure:"results_dir_path"`
	TargetsDirPath     string `mapstructure:"targets_dir_path"`
	IPsPerSubnet       int    `mapstructure:"ips_per_subnet"`
	DebugMode          bool   `mapstructure:"debug_mode"`
	NoSleep            bool   `mapstructure:"no_sleep"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`

	// Advertised capability ceilings, reported to the controller at
	// registration time (model.AgentParameters) so it never schedules a
	// round this agent can't honor.
	MaxProbingRate uint32 `mapstructure:"max_probing_rate"`
	MinTTL         int    `mapstructure:"min_ttl"`
	MaxTTL         int    `mapstructure:"max_ttl"`
}

// WorkerConfig configures the worker round pipeline (spec §4.2).
type WorkerConfig struct {
	ResultsDirPath string `mapstructure:"results_dir_path"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level   string         `mapstructure:"level"`
	Format  string         `mapstructure:"format"`
	Outputs []OutputConfig `mapstructure:"outputs"`
}

// OutputConfig is one logging sink.
type OutputConfig struct {
	Type          string            `mapstructure:"type"` // console | file | loki
	Path          string            `mapstructure:"path"`
	MaxSizeMB     int               `mapstructure:"max_size_mb"`
	MaxBackups    int               `mapstructure:"max_backups"`
	MaxAgeDays    int               `mapstructure:"max_age_days"`
	Compress      bool              `mapstructure:"compress"`
	Endpoint      string            `mapstructure:"endpoint"`
	Labels        map[string]string `mapstructure:"labels"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
}

type configRoot struct {
	Iris GlobalConfig `mapstructure:"iris"`
}

// Load loads configuration from file. The YAML file uses `iris:` as its
// root key; environment variables use an IRIS_ prefix, e.g.
// IRIS_LOG_LEVEL overrides iris.log.level.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// iris.node.ip has no default, so bind it explicitly for Unmarshal to
	// see IRIS_NODE_IP.
	if err := v.BindEnv("iris.node.ip"); err != nil {
		return nil, fmt.Errorf("failed to bind IRIS_NODE_IP: %w", err)
	}

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Iris

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("iris.control.socket", "/var/run/iris.sock")
	v.SetDefault("iris.control.pid_file", "/var/run/iris.pid")

	v.SetDefault("iris.bus.addr", "127.0.0.1:6379")
	v.SetDefault("iris.bus.heartbeat_interval", "5s")
	v.SetDefault("iris.bus.stopper_refresh", "5s")

	v.SetDefault("iris.storage.use_path_style", true)
	v.SetDefault("iris.storage.targets_bucket_prefix", "targets-")

	v.SetDefault("iris.database.database", "iris")
	v.SetDefault("iris.database.dial_timeout", "5s")
	v.SetDefault("iris.database.table_measurements", "measurements")
	v.SetDefault("iris.database.table_agents", "measurement_agents")

	v.SetDefault("iris.agent.ips_per_subnet", 6)
	v.SetDefault("iris.agent.results_dir_path", "/var/lib/iris/results")
	v.SetDefault("iris.agent.targets_dir_path", "/var/lib/iris/targets")
	v.SetDefault("iris.agent.grace_period", "10s")
	v.SetDefault("iris.agent.max_probing_rate", 100000)
	v.SetDefault("iris.agent.min_ttl", 1)
	v.SetDefault("iris.agent.max_ttl", 32)

	v.SetDefault("iris.worker.results_dir_path", "/var/lib/iris/worker-results")

	v.SetDefault("iris.metrics.enabled", true)
	v.SetDefault("iris.metrics.listen", ":9092")
	v.SetDefault("iris.metrics.path", "/metrics")

	v.SetDefault("iris.log.level", "info")
	v.SetDefault("iris.log.format", "json")
}

// ValidateAndApplyDefaults validates configuration and resolves
// environment-dependent fields (hostname, node IP) once after load,
// mirroring the teacher's post-unmarshal validation pass.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	if cfg.Node.IP == "" {
		ip, err := resolveNodeIP()
		if err != nil {
			return err
		}
		cfg.Node.IP = ip
	}

	if len(cfg.Database.Addr) == 0 {
		return fmt.Errorf("database.addr is required")
	}

	return nil
}

// resolveNodeIP auto-detects the first non-loopback, non-link-local IPv4
// address when none is configured explicitly.
func resolveNodeIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve node IP: failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ip4[0] == 169 && ip4[1] == 254 {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", fmt.Errorf("cannot resolve node IP: set IRIS_NODE_IP or iris.node.ip")
}
