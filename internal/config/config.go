package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hramov/floatkeeper/internal/errors"
)

const AppVersion = "0.1.0"

const defaultPenaltyWeight = 50

// Address provider types.
const (
	ProviderNone    = "none"
	ProviderCommand = "command"
	ProviderNetlink = "netlink"
)

type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type HealthCheck struct {
	// Command is run through /bin/sh; empty means always healthy.
	Command  string        `yaml:"command"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Rise     int           `yaml:"rise"`
	Fall     int           `yaml:"fall"`
	// PenaltyWeight is subtracted from the priority while unhealthy. Zero
	// faults the node instead.
	PenaltyWeight *int `yaml:"penalty_weight"`
}

type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Notify struct {
	HookCommand     string        `yaml:"hook_command"`
	HookTimeout     time.Duration `yaml:"hook_timeout"`
	ReleaseOnBackup bool          `yaml:"release_on_backup"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	Retry           Retry         `yaml:"retry"`
}

type AddressProvider struct {
	Type                string        `yaml:"type"`
	AssociateCommand    string        `yaml:"associate_command"`
	DisassociateCommand string        `yaml:"disassociate_command"`
	Interface           string        `yaml:"interface"`
	Timeout             time.Duration `yaml:"timeout"`
}

type Status struct {
	// Listen is the status API address; empty disables it.
	Listen     string `yaml:"listen"`
	StateFile  string `yaml:"state_file"`
	EventsFile string `yaml:"events_file"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Version string `yaml:"-"`

	NodeID             string        `yaml:"node_id"`
	BasePriority       int           `yaml:"base_priority"`
	MinPriority        int           `yaml:"min_priority"`
	Preempt            *bool         `yaml:"preempt"`
	AdvertInterval     time.Duration `yaml:"advert_interval"`
	MasterDownInterval time.Duration `yaml:"master_down_interval"`
	AuthSecret         string        `yaml:"auth_secret"`

	BindAddress string `yaml:"bind_address"`
	// Interface, when set, supplies the bind IP if bind_address has none.
	Interface string `yaml:"interface"`
	Peers     []Peer `yaml:"peers"`

	FloatingAddress string          `yaml:"floating_address"`
	HealthCheck     HealthCheck     `yaml:"health_check"`
	Notify          Notify          `yaml:"notify"`
	AddressProvider AddressProvider `yaml:"address_provider"`
	Status          Status          `yaml:"status"`
	Logging         Logging         `yaml:"logging"`
}

// PreemptEnabled reports the preempt setting, true when unset.
func (c *Config) PreemptEnabled() bool {
	return c.Preempt == nil || *c.Preempt
}

// Penalty returns the penalty weight, 50 when unset.
func (h HealthCheck) Penalty() int {
	if h.PenaltyWeight == nil {
		return defaultPenaltyWeight
	}
	return *h.PenaltyWeight
}

// LoadConfig reads the YAML file at configPath into cfg, applies defaults and
// validates the result. Every failure is a KindConfiguration error.
func LoadConfig(configPath string, cfg *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindConfiguration, "read config"), "path", configPath)
	}
	return Parse(data, cfg)
}

func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrap(err, errors.KindConfiguration, "parse config")
	}

	cfg.Version = AppVersion
	cfg.AuthSecret = os.ExpandEnv(cfg.AuthSecret)
	cfg.setDefaults()

	if err := cfg.resolveBindAddress(); err != nil {
		return err
	}
	return cfg.Validate()
}

func (c *Config) setDefaults() {
	if c.AdvertInterval == 0 {
		c.AdvertInterval = time.Second
	}
	if c.MasterDownInterval == 0 {
		c.MasterDownInterval = 3 * c.AdvertInterval
	}
	if c.Preempt == nil {
		preempt := true
		c.Preempt = &preempt
	}
	if c.BindAddress == "" {
		c.BindAddress = ":5405"
	}

	h := &c.HealthCheck
	if h.Interval == 0 {
		h.Interval = 3 * time.Second
	}
	if h.Timeout == 0 {
		h.Timeout = h.Interval
	}
	if h.Rise == 0 {
		h.Rise = 1
	}
	if h.Fall == 0 {
		h.Fall = 1
	}
	if h.PenaltyWeight == nil {
		weight := defaultPenaltyWeight
		h.PenaltyWeight = &weight
	}

	n := &c.Notify
	if n.HookTimeout == 0 {
		n.HookTimeout = 10 * time.Second
	}
	if n.ShutdownGrace == 0 {
		n.ShutdownGrace = 5 * time.Second
	}
	if n.Retry.MaxAttempts == 0 {
		n.Retry.MaxAttempts = 5
	}
	if n.Retry.InitialInterval == 0 {
		n.Retry.InitialInterval = 500 * time.Millisecond
	}
	if n.Retry.MaxInterval == 0 {
		n.Retry.MaxInterval = 10 * time.Second
	}

	if c.AddressProvider.Type == "" {
		c.AddressProvider.Type = ProviderNone
	}
	if c.AddressProvider.Timeout == 0 {
		c.AddressProvider.Timeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// resolveBindAddress fills the bind host from the configured interface.
func (c *Config) resolveBindAddress() error {
	if c.Interface == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(c.BindAddress)
	if err != nil {
		return invalid("bind_address", "invalid bind address %q: %v", c.BindAddress, err)
	}
	if host != "" {
		return nil
	}

	ip, err := interfaceIP(c.Interface)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindConfiguration, "resolve interface"), "field", "interface")
	}
	c.BindAddress = net.JoinHostPort(ip.String(), port)
	return nil
}

func interfaceIP(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if v, ok := addr.(*net.IPNet); ok && v.IP.To4() != nil {
			return v.IP.To4(), nil
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

func invalid(field, format string, args ...any) error {
	return errors.Attr(errors.Errorf(errors.KindConfiguration, format, args...), "field", field)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, invalid(field, format, args...))
	}

	if c.NodeID == "" {
		add("node_id", "node_id is required")
	}
	if c.AuthSecret == "" {
		add("auth_secret", "auth_secret is required")
	}
	if c.AdvertInterval <= 0 {
		add("advert_interval", "advert_interval must be positive")
	}
	if c.MasterDownInterval < 3*c.AdvertInterval {
		add("master_down_interval", "master_down_interval %s must be at least 3 x advert_interval %s",
			c.MasterDownInterval, c.AdvertInterval)
	}
	if c.BasePriority <= c.MinPriority {
		add("base_priority", "base_priority %d must be above min_priority %d", c.BasePriority, c.MinPriority)
	}
	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		add("bind_address", "invalid bind address %q: %v", c.BindAddress, err)
	}

	if len(c.Peers) == 0 {
		add("peers", "at least one peer is required")
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		field := fmt.Sprintf("peers[%d]", i)
		switch {
		case p.ID == "":
			add(field, "peer id is required")
		case p.ID == c.NodeID:
			add(field, "peer %q is this node", p.ID)
		case seen[p.ID]:
			add(field, "duplicate peer %q", p.ID)
		}
		seen[p.ID] = true
		if err := validHostPort(p.Address); err != nil {
			add(field, "peer %q has invalid address %q: %v", p.ID, p.Address, err)
		}
	}

	if c.FloatingAddress == "" {
		add("floating_address", "floating_address is required")
	} else if !validIPOrCIDR(c.FloatingAddress) {
		add("floating_address", "floating_address %q is not an IP address", c.FloatingAddress)
	}

	h := c.HealthCheck
	if h.Interval <= 0 {
		add("health_check.interval", "health_check.interval must be positive")
	}
	if h.Timeout <= 0 || h.Timeout > h.Interval {
		add("health_check.timeout", "health_check.timeout %s must be positive and at most the interval %s", h.Timeout, h.Interval)
	}
	if h.Rise < 1 || h.Fall < 1 {
		add("health_check", "health_check.rise and health_check.fall must be at least 1")
	}
	if h.PenaltyWeight != nil && *h.PenaltyWeight < 0 {
		add("health_check.penalty_weight", "health_check.penalty_weight must not be negative")
	}

	n := c.Notify
	if n.Retry.MaxAttempts < 1 {
		add("notify.retry.max_attempts", "notify.retry.max_attempts must be at least 1")
	}
	if n.Retry.InitialInterval <= 0 || n.Retry.MaxInterval < n.Retry.InitialInterval {
		add("notify.retry", "notify.retry intervals must be positive with max_interval >= initial_interval")
	}
	if n.HookTimeout < 0 || n.ShutdownGrace < 0 {
		add("notify", "notify timeouts must not be negative")
	}

	ap := c.AddressProvider
	switch ap.Type {
	case ProviderNone:
	case ProviderCommand:
		if ap.AssociateCommand == "" {
			add("address_provider.associate_command", "address_provider.associate_command is required for type %q", ap.Type)
		}
	case ProviderNetlink:
		if ap.Interface == "" {
			add("address_provider.interface", "address_provider.interface is required for type %q", ap.Type)
		}
	default:
		add("address_provider.type", "unknown address_provider.type %q", ap.Type)
	}
	// A local interface address is not taken away by the next master's add,
	// so the old master has to drop it itself.
	if ap.Type == ProviderNetlink && !n.ReleaseOnBackup {
		add("notify.release_on_backup", "address_provider.type %q needs notify.release_on_backup: true", ap.Type)
	}
	if n.ReleaseOnBackup && ap.Type == ProviderCommand && ap.DisassociateCommand == "" {
		add("address_provider.disassociate_command", "notify.release_on_backup needs address_provider.disassociate_command")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console", "stackdriver":
	default:
		add("logging.format", "unknown logging.format %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

func validHostPort(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func validIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}
