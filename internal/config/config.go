// Package config loads the runtime configuration of a bank run.
//
// Values come from, in increasing precedence: the defaults in Default, a YAML
// file, the BASE_PORT environment variable, and command-line flags applied by
// the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lamportbank/internal/branch"
)

// EnvBasePort overrides base_port when set.
const EnvBasePort = "BASE_PORT"

// Transport selects how branches and customers talk to each other.
type Transport string

const (
	// TransportHTTP serves every branch on its own TCP listener.
	TransportHTTP Transport = "http"
	// TransportLocal wires branches together in process.
	TransportLocal Transport = "local"
)

// Config is the runtime configuration.
type Config struct {
	Host      string    `yaml:"host"`
	BasePort  int       `yaml:"base_port"`
	Transport Transport `yaml:"transport"`

	// PeerTimeout bounds each propagation call. Zero disables the bound.
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	// RequestTimeout bounds each customer call. Zero disables the bound.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ShutdownGrace is how long each server may drain in-flight calls.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Policy branch.Policy `yaml:"policy"`

	// Routing maps customer id to branch id for customers that do not name
	// their branch.
	Routing map[int]int `yaml:"routing,omitempty"`
	// RouteByID binds an unrouted customer to the branch with its own id.
	// Off by default: a customer without a branch field or routing entry is
	// rejected.
	RouteByID bool `yaml:"route_by_id"`

	// Addresses replaces host:(base_port+id) with explicit branch addresses.
	Addresses map[int]string `yaml:"addresses,omitempty"`

	OutputDir string `yaml:"output_dir"`
	// Template is the path of the output.txt template. Empty selects the
	// built-in template.
	Template string `yaml:"template,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Host:           "localhost",
		BasePort:       5000,
		Transport:      TransportHTTP,
		PeerTimeout:    5 * time.Second,
		RequestTimeout: 10 * time.Second,
		ShutdownGrace:  2 * time.Second,
		Policy:         branch.PolicySerialized,
		OutputDir:      ".",
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path loads the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result.
// The environment is not consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies environment overrides looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	v, ok := lookup(EnvBasePort)
	if !ok || v == "" {
		return nil
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: not a port number", EnvBasePort, v)
	}
	c.BasePort = port
	return nil
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("base_port %d out of range 1-65535", c.BasePort)
	}
	switch c.Transport {
	case TransportHTTP, TransportLocal:
	default:
		return fmt.Errorf("unknown transport %q: must be %q or %q", c.Transport, TransportHTTP, TransportLocal)
	}
	if c.Transport == TransportHTTP && c.Host == "" && len(c.Addresses) == 0 {
		return fmt.Errorf("host is required for the http transport")
	}
	for name, d := range map[string]time.Duration{
		"peer_timeout":    c.PeerTimeout,
		"request_timeout": c.RequestTimeout,
		"shutdown_grace":  c.ShutdownGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	policy, err := branch.ParsePolicy(string(c.Policy))
	if err != nil {
		return err
	}
	c.Policy = policy
	for customer, b := range c.Routing {
		if b <= 0 {
			return fmt.Errorf("routing: customer %d maps to invalid branch %d", customer, b)
		}
	}
	for id, addr := range c.Addresses {
		if addr == "" {
			return fmt.Errorf("addresses: branch %d has an empty address", id)
		}
	}
	return nil
}

// Registry builds the membership table for the given branch ids. Explicit
// addresses must cover every id; otherwise addresses derive from base_port.
func (c Config) Registry(ids []int) (*branch.Registry, error) {
	if len(c.Addresses) == 0 {
		return branch.RegistryFromBasePort(c.Host, c.BasePort, ids), nil
	}

	addrs := make(map[int]string, len(ids))
	var missing []int
	for _, id := range ids {
		addr, ok := c.Addresses[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		addrs[id] = addr
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return nil, fmt.Errorf("addresses: no address for branches %v", missing)
	}
	return branch.NewRegistry(addrs), nil
}
