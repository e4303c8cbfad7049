package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/dwvport/pkg/vport"
)

func TestDefaults(t *testing.T) {
	v, err := New(nil)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.Ports.Max != vport.DefaultMaxPorts || cfg.Pool.Capacity != vport.DefaultPoolCapacity {
		t.Errorf("sizes = %d/%d", cfg.Ports.Max, cfg.Pool.Capacity)
	}
	if cfg.Drain.Grace != vport.DefaultDrainGrace || cfg.Drain.PollInterval != vport.DefaultDrainPollInterval {
		t.Errorf("drain = %+v", cfg.Drain)
	}
	ic := cfg.InstanceConfig()
	if ic.PreflightTimeout != vport.DefaultPreflightTimeout || ic.Banner != vport.DefaultBanner {
		t.Errorf("instance config = %+v", ic)
	}
}

func TestConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "dwvport.yaml")
	yaml := `
instance:
  num: 1
pool:
  capacity: 4
drain:
  grace: 5s
vports:
  - port: 3
    tcp_port: 9000
    telnet: true
  - port: 4
    mode: connect
    host: example.net
    tcp_port: 23
    conn_mode: telnet
`
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DWVPORT_PORTS_MAX", "16")

	fs := Flags()
	if err := fs.Parse([]string{"--config", file, "--log.level", "debug"}); err != nil {
		t.Fatalf("Parse: %s", err)
	}
	v, err := New(fs)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.Instance.Num != 1 || cfg.Pool.Capacity != 4 || cfg.Ports.Max != 16 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Drain.Grace != 5*time.Second {
		t.Errorf("drain.grace = %s", cfg.Drain.Grace)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if len(cfg.VPorts) != 2 {
		t.Fatalf("vports = %+v", cfg.VPorts)
	}
	lc := cfg.VPorts[0].ListenerConfig()
	if lc.TCPPort != 9000 || !lc.Telnet || lc.Mode != vport.ConnModeRaw {
		t.Errorf("listener config = %+v", lc)
	}
	if cfg.VPorts[1].Mode != "connect" || cfg.VPorts[1].Host != "example.net" {
		t.Errorf("connect vport = %+v", cfg.VPorts[1])
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v, _ := New(nil)
		cfg, err := Load(v)
		if err != nil {
			t.Fatalf("Load: %s", err)
		}
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.VPorts = []VPortConfig{{Port: 300}} }},
		{"http mode", func(c *Config) { c.VPorts = []VPortConfig{{Port: 1, ConnMode: "http"}} }},
		{"connect without host", func(c *Config) { c.VPorts = []VPortConfig{{Port: 1, Mode: "connect"}} }},
		{"unknown device", func(c *Config) { c.Device.Type = "usb" }},
		{"serial without line", func(c *Config) { c.Device.Type = "serial" }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
	}
	for _, tt := range tests {
		c := base()
		tt.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate succeeded", tt.name)
		}
	}
}
