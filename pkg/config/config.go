// Package config loads the dwvportd configuration from defaults, an optional
// config file, DWVPORT_ environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/dwvport/pkg/vport"
	"github.com/sammck-go/dwvport/share"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete daemon configuration
type Config struct {
	Instance InstanceConfig `mapstructure:"instance"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Pool     PoolConfig     `mapstructure:"pool"`
	// ListenAddress restricts every listener to one local address
	ListenAddress string          `mapstructure:"listen_address"`
	Device        DeviceConfig    `mapstructure:"device"`
	Drain         DrainConfig     `mapstructure:"drain"`
	Preflight     PreflightConfig `mapstructure:"preflight"`
	VPorts        []VPortConfig   `mapstructure:"vports"`
	HostLink      HostLinkConfig  `mapstructure:"hostlink"`
	Announce      AnnounceConfig  `mapstructure:"announce"`
	Status        StatusConfig    `mapstructure:"status"`
	NATS          NATSConfig      `mapstructure:"nats"`
	Redis         RedisConfig     `mapstructure:"redis"`
	Log           LogConfig       `mapstructure:"log"`
	Outbound      OutboundConfig  `mapstructure:"outbound"`
}

// InstanceConfig identifies the instance in logs, events and status keys
type InstanceConfig struct {
	Num  int    `mapstructure:"num"`
	Name string `mapstructure:"name"`
}

// PortsConfig sizes the virtual port table
type PortsConfig struct {
	Max int `mapstructure:"max"`
}

// PoolConfig sizes the TCP connection pool shared by all ports
type PoolConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// DeviceConfig selects the physical transport to the legacy host
type DeviceConfig struct {
	// Type is "tcp", "serial" or "none"
	Type       string `mapstructure:"type"`
	TCPPort    int    `mapstructure:"tcp_port"`
	SerialPort string `mapstructure:"serial_port"`
	Baud       int    `mapstructure:"baud"`
	LogBytes   bool   `mapstructure:"log_bytes"`
}

// DrainConfig bounds how long a finished connection waits for the host to
// read its queued bytes
type DrainConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Grace        time.Duration `mapstructure:"grace"`
}

// PreflightConfig controls the banner and telnet negotiation on accepted
// connections
type PreflightConfig struct {
	Banner  string        `mapstructure:"banner"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// VPortConfig declares one virtual port bridged to TCP
type VPortConfig struct {
	Port int `mapstructure:"port"`
	// Mode is "listen" or "connect"
	Mode     string `mapstructure:"mode"`
	TCPPort  int    `mapstructure:"tcp_port"`
	Host     string `mapstructure:"host"`
	Telnet   bool   `mapstructure:"telnet"`
	Banner   bool   `mapstructure:"banner"`
	ConnMode string `mapstructure:"conn_mode"`
}

// HostLinkConfig bridges the device straight to one virtual port
type HostLinkConfig struct {
	// Port is the virtual port bridged to the device, -1 for none
	Port int `mapstructure:"port"`
}

// AnnounceConfig controls utility responses written into port queues
type AnnounceConfig struct {
	// Host queues listener and connection announcements on the port for the
	// legacy host to read
	Host bool `mapstructure:"host"`
}

// StatusConfig controls the status HTTP server and Redis snapshots
type StatusConfig struct {
	Addr         string        `mapstructure:"addr"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`
}

// NATSConfig is the optional NATS connection for lifecycle events
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig is the optional Redis connection for status snapshots
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig sets the log level; a change in the config file is applied
// while running
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// OutboundConfig controls dials made for connect-mode ports
type OutboundConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	Proxy            string        `mapstructure:"proxy"`
}

// SetDefaults installs the default for every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("instance.num", 0)
	v.SetDefault("instance.name", "")
	v.SetDefault("ports.max", vport.DefaultMaxPorts)
	v.SetDefault("pool.capacity", vport.DefaultPoolCapacity)
	v.SetDefault("listen_address", "")

	v.SetDefault("device.type", "tcp")
	v.SetDefault("device.tcp_port", 65504)
	v.SetDefault("device.serial_port", "")
	v.SetDefault("device.baud", 115200)
	v.SetDefault("device.log_bytes", false)

	v.SetDefault("drain.poll_interval", vport.DefaultDrainPollInterval)
	v.SetDefault("drain.grace", vport.DefaultDrainGrace)
	v.SetDefault("preflight.banner", vport.DefaultBanner)
	v.SetDefault("preflight.timeout", vport.DefaultPreflightTimeout)

	v.SetDefault("hostlink.port", -1)
	v.SetDefault("announce.host", false)

	v.SetDefault("status.addr", "")
	v.SetDefault("status.push_interval", time.Second)
	v.SetDefault("status.redis_ttl", 30*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")

	v.SetDefault("outbound.dial_timeout", 10*time.Second)
	v.SetDefault("outbound.max_retries", 3)
	v.SetDefault("outbound.max_retry_interval", 5*time.Second)
	v.SetDefault("outbound.proxy", "")
}

// Flags returns the command-line flag set. Each flag is bound to the config
// key of the same name.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("dwvportd", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "config file (yaml, toml or json)")
	fs.Int("instance.num", 0, "instance number")
	fs.String("listen_address", "", "local address for all listeners")
	fs.String("device.type", "tcp", "physical device: tcp, serial or none")
	fs.Int("device.tcp_port", 65504, "TCP port of the physical device")
	fs.String("device.serial_port", "", "serial line of the physical device")
	fs.String("status.addr", "", "status HTTP listen address, empty to disable")
	fs.String("nats.url", "", "NATS server for port events, empty to disable")
	fs.String("redis.addr", "", "Redis server for status snapshots, empty to disable")
	fs.StringP("log.level", "l", "info", "log level")
	return fs
}

// New creates a viper instance with defaults, environment binding and the
// given flags bound
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("DWVPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			_ = v.BindPFlag(f.Name, f)
		})
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", f.Value.String(), err)
			}
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Ports.Max <= 0 {
		return fmt.Errorf("config: ports.max must be positive")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("config: pool.capacity must be positive")
	}
	if dwshare.StringToLogLevel(c.Log.Level) == dwshare.LogLevelUnknown {
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Device.Type {
	case "tcp", "none":
	case "serial":
		if c.Device.SerialPort == "" {
			return fmt.Errorf("config: device.serial_port is required for a serial device")
		}
	default:
		return fmt.Errorf("config: unknown device.type %q", c.Device.Type)
	}
	seen := make(map[int]bool)
	for i, vp := range c.VPorts {
		if vp.Port < 0 || vp.Port >= c.Ports.Max {
			return fmt.Errorf("config: vports[%d]: port %d out of range", i, vp.Port)
		}
		if seen[vp.Port] && vp.Mode == "connect" {
			return fmt.Errorf("config: vports[%d]: port %d declared twice", i, vp.Port)
		}
		seen[vp.Port] = true
		if _, err := vport.ParseConnMode(vp.ConnMode); err != nil {
			return fmt.Errorf("config: vports[%d]: %w", i, err)
		}
		switch vp.Mode {
		case "", "listen":
		case "connect":
			if vp.Host == "" || vp.TCPPort <= 0 {
				return fmt.Errorf("config: vports[%d]: connect needs host and tcp_port", i)
			}
		default:
			return fmt.Errorf("config: vports[%d]: unknown mode %q", i, vp.Mode)
		}
	}
	return nil
}

// InstanceConfig maps the configuration onto vport.InstanceConfig
func (c *Config) InstanceConfig() vport.InstanceConfig {
	return vport.InstanceConfig{
		Num:               c.Instance.Num,
		Name:              c.Instance.Name,
		MaxPorts:          c.Ports.Max,
		PoolCapacity:      c.Pool.Capacity,
		ListenAddress:     c.ListenAddress,
		DrainPollInterval: c.Drain.PollInterval,
		DrainGrace:        c.Drain.Grace,
		PreflightTimeout:  c.Preflight.Timeout,
		Banner:            c.Preflight.Banner,
		Outbound: vport.OutboundConfig{
			DialTimeout:      c.Outbound.DialTimeout,
			MaxRetries:       c.Outbound.MaxRetries,
			MaxRetryInterval: c.Outbound.MaxRetryInterval,
			Proxy:            c.Outbound.Proxy,
		},
	}
}

// ListenerConfig maps a listen-mode vport onto vport.ListenerConfig. The
// connection mode was checked by Validate.
func (vp VPortConfig) ListenerConfig() vport.ListenerConfig {
	mode, _ := vport.ParseConnMode(vp.ConnMode)
	return vport.ListenerConfig{
		TCPPort: vp.TCPPort,
		Mode:    mode,
		Telnet:  vp.Telnet,
		Banner:  vp.Banner,
	}
}

// WatchLogLevel follows changes to the config file and applies a changed
// log.level to logger
func WatchLogLevel(v *viper.Viper, logger dwshare.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := dwshare.StringToLogLevel(v.GetString("log.level"))
		if level == dwshare.LogLevelUnknown {
			logger.WLogf("ignoring unknown log.level %q from %s", v.GetString("log.level"), e.Name)
			return
		}
		if level != logger.GetLogLevel() {
			logger.ILogf("log level now %s", level)
			logger.SetLogLevel(level)
		}
	})
	v.WatchConfig()
}
