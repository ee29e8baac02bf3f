package lifecycle

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"proxyvpn/internal/model"
)

// FileConfig is the on-disk settings file shape, loaded with LoadConfig
// and converted to a Config via ToConfig. Fields left zero take the
// same defaults Config.withDefaults applies.
type FileConfig struct {
	Proxy struct {
		Host     string `yaml:"host"`
		Port     uint16 `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"proxy"`
	ProxyIPOverrides []string `yaml:"proxy_ip_overrides"`

	Tun struct {
		IfName string `yaml:"ifname"`
		CIDR   string `yaml:"cidr"`
	} `yaml:"tun"`

	DNS struct {
		Extra     string   `yaml:"extra"`
		Overrides []string `yaml:"overrides"`
	} `yaml:"dns"`

	KillSwitch bool   `yaml:"kill_switch"`
	StateDir   string `yaml:"state_dir"`
	KeepLogs   bool   `yaml:"keep_logs"`
	Verbose    bool   `yaml:"verbose"`
	DryRun     bool   `yaml:"dry_run"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	MetricsAddr string `yaml:"metrics_addr"`
	EventsAddr  string `yaml:"events_addr"`
}

// LoadConfig reads and parses a YAML settings file at path.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("lifecycle: parse config %s: %w", path, err)
	}
	return &fc, nil
}

// ToConfig converts the parsed settings file into a Config, parsing
// every string IP field. It returns an error only for a malformed IP;
// missing/default fields are left for Config.withDefaults.
func (fc *FileConfig) ToConfig() (Config, error) {
	var cfg Config
	cfg.Proxy = model.ProxyEndpoint{
		Host:     fc.Proxy.Host,
		Port:     fc.Proxy.Port,
		Username: fc.Proxy.Username,
		Password: fc.Proxy.Password,
	}

	for _, s := range fc.ProxyIPOverrides {
		ip := net.ParseIP(s)
		if ip == nil {
			return Config{}, fmt.Errorf("lifecycle: invalid proxy_ip_overrides entry %q", s)
		}
		cfg.ProxyIPOverrides = append(cfg.ProxyIPOverrides, ip)
	}

	cfg.TunIfName = fc.Tun.IfName
	cfg.TunCIDR = fc.Tun.CIDR

	if fc.DNS.Extra != "" {
		ip := net.ParseIP(fc.DNS.Extra)
		if ip == nil {
			return Config{}, fmt.Errorf("lifecycle: invalid dns.extra %q", fc.DNS.Extra)
		}
		cfg.ExtraDNS = ip
	}
	for _, s := range fc.DNS.Overrides {
		ip := net.ParseIP(s)
		if ip == nil {
			return Config{}, fmt.Errorf("lifecycle: invalid dns.overrides entry %q", s)
		}
		cfg.DNSAllowOverrides = append(cfg.DNSAllowOverrides, ip)
	}

	cfg.KillSwitch = fc.KillSwitch
	cfg.StateDir = fc.StateDir
	cfg.KeepLogs = fc.KeepLogs
	cfg.Verbose = fc.Verbose
	cfg.DryRun = fc.DryRun
	cfg.ConnectTimeout = fc.ConnectTimeout
	cfg.SweepInterval = fc.SweepInterval
	cfg.MetricsAddr = fc.MetricsAddr
	cfg.EventsAddr = fc.EventsAddr

	return cfg, nil
}
