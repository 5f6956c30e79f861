// Package config loads and validates xlb.yaml.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied to any field the file leaves unset.
const (
	DefaultOrphanTTLSecs    = 300
	DefaultShutdownTimeout  = 15
	DefaultName             = "xlb"
	DefaultProto            = "tcp"
	DefaultMode             = "nat"
	MinPortMappings         = 1
	MaxPortMappings         = 8
)

// PortMapping is one local/remote port pair.
type PortMapping struct {
	LocalPort  uint16 `yaml:"local_port"`
	RemotePort uint16 `yaml:"remote_port"`
}

// Listen selects the interface and VIP the load balancer listens on.
// Mode "auto" leaves both Iface and IP empty.
type Listen struct {
	IP    string `yaml:"ip"`
	Iface string `yaml:"iface"`
}

// UnmarshalYAML accepts the scalar "auto" as well as an {ip, iface} mapping.
func (l *Listen) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "auto" {
			return fmt.Errorf("listen: unsupported value %q", node.Value)
		}
		*l = Listen{}
		return nil
	}
	type plain Listen
	return node.Decode((*plain)(l))
}

// StaticProvider is a fixed backend host list.
type StaticProvider struct {
	Backends []string `yaml:"backends"`
}

// KubernetesProvider discovers backends from a Service's Endpoints.
type KubernetesProvider struct {
	Namespace string `yaml:"namespace"`
	Service   string `yaml:"service"`
}

// Provider selects exactly one backend source. Static and Kubernetes are
// mutually exclusive; Validate enforces that.
type Provider struct {
	Static     *StaticProvider     `yaml:"static"`
	Kubernetes *KubernetesProvider `yaml:"kubernetes"`
}

// OTel holds the optional otel section of xlb.yaml. It is parsed but not
// acted on: no OTel exporter is started, and metrics are served only
// through the Prometheus registry.
type OTel struct {
	Enabled             bool              `yaml:"enabled"`
	Endpoint            string            `yaml:"endpoint"`
	ExportIntervalSecs  uint              `yaml:"export_interval_secs"`
	Headers             map[string]string `yaml:"headers"`
	Protocol            string            `yaml:"protocol"`
}

// Config is the top-level shape of xlb.yaml.
type Config struct {
	Name            string        `yaml:"name"`
	Listen          *Listen       `yaml:"listen"`
	Proto           string        `yaml:"proto"`
	Ports           []PortMapping `yaml:"ports"`
	Provider        Provider      `yaml:"provider"`
	Mode            string        `yaml:"mode"`
	OrphanTTLSecs   uint          `yaml:"orphan_ttl_secs"`
	ShutdownTimeout uint          `yaml:"shutdown_timeout"`
	OTel            *OTel         `yaml:"otel"`
}

// Load reads and parses path, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating config %s", path)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Proto == "" {
		c.Proto = DefaultProto
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.OrphanTTLSecs == 0 {
		c.OrphanTTLSecs = DefaultOrphanTTLSecs
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate enforces the invariants spec.md §6 and §3 (PortMapping) place
// on a loaded config: 1-8 distinct nonzero port mappings, a recognized
// proto/mode, and exactly one configured backend provider.
func (c *Config) Validate() error {
	if c.Proto != "tcp" {
		return fmt.Errorf("unsupported proto %q: only tcp is implemented", c.Proto)
	}
	if c.Mode != "nat" {
		return fmt.Errorf("unsupported mode %q: only nat is implemented", c.Mode)
	}

	if len(c.Ports) < MinPortMappings || len(c.Ports) > MaxPortMappings {
		return fmt.Errorf("ports: expected 1-%d mappings, got %d", MaxPortMappings, len(c.Ports))
	}
	seenLocal := make(map[uint16]bool, len(c.Ports))
	for _, p := range c.Ports {
		if p.LocalPort == 0 || p.RemotePort == 0 {
			return fmt.Errorf("ports: local_port and remote_port must be nonzero")
		}
		if seenLocal[p.LocalPort] {
			return fmt.Errorf("ports: duplicate local_port %d", p.LocalPort)
		}
		seenLocal[p.LocalPort] = true
	}

	if c.Provider.Static == nil && c.Provider.Kubernetes == nil {
		return errors.New("provider: one of static or kubernetes must be configured")
	}
	if c.Provider.Static != nil && c.Provider.Kubernetes != nil {
		return errors.New("provider: static and kubernetes are mutually exclusive")
	}
	if c.Provider.Kubernetes != nil {
		if c.Provider.Kubernetes.Namespace == "" || c.Provider.Kubernetes.Service == "" {
			return errors.New("provider.kubernetes: namespace and service are required")
		}
	}

	return nil
}
