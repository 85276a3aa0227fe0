// Package config loads and validates the proxy's runtime configuration,
// layering CLI flags over a config file and an optional ambient overlay,
// keyed to the field set and on-disk defaulting behaviour of
// proxy_config.json.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// DefaultConfigFile is the path Load falls back to when none is given.
const DefaultConfigFile = "proxy_config.json"

// Config is the full set of runtime options used to start the proxy.
type Config struct {
	BindIP     string   `json:"bind_ip"`
	BindPort   uint16   `json:"bind_port"`
	ProxyHosts []string `json:"proxy_hosts"`
	SNI        string   `json:"sni"`
	RootCACert string   `json:"root_ca_cert_path"`
	RootCAKey  string   `json:"root_ca_key_path"`
	Parse      bool     `json:"parse"`

	// Ambient fields: not part of the wire schema above, carried for the
	// audit logger, traffic profiles, and filter chain this port adds.
	LogFile          string                    `json:"-"`
	Profiles         []string                  `json:"-"`
	ExcerptLimit     int                       `json:"-"`
	MITMDisableHosts []string                  `json:"-"`
	Filters          []FilterSpec              `json:"-"`
	ProfilesConfig   map[string]map[string]any `json:"-"`
}

// FilterSpec describes one filter configuration entry.
type FilterSpec struct {
	Name   string   `json:"name" yaml:"name"`
	Type   string   `json:"type" yaml:"type"`
	Header string   `json:"header" yaml:"header"`
	Values []string `json:"values" yaml:"values"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		BindIP:           "127.0.0.1",
		BindPort:         31181,
		ProxyHosts:       nil,
		SNI:              "",
		RootCACert:       "proxy.ca.cert.crt",
		RootCAKey:        "proxy.ca.key.pem",
		Parse:            false,
		LogFile:          "logs/audit.jsonl",
		Profiles:         []string{"generic"},
		ExcerptLimit:     4096,
		MITMDisableHosts: nil,
	}
}

// Load reads path, writing out Default() if the file does not yet exist,
// creating it on first run.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save persists cfg to path as JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LocalAddr returns the address the proxy should listen on.
func (c Config) LocalAddr() (string, error) {
	addr := net.JoinHostPort(c.BindIP, strconv.Itoa(int(c.BindPort)))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid bind address: %w", err)
	}
	return addr, nil
}

// IsProxy reports whether domain should be intercepted. An empty
// ProxyHosts allowlist means every host is intercepted.
func (c Config) IsProxy(domain string) bool {
	if len(c.ProxyHosts) == 0 {
		return true
	}
	for _, host := range c.ProxyHosts {
		if strings.HasSuffix(domain, host) {
			return true
		}
	}
	return false
}

// Validate requires a non-empty bind_ip and a non-zero bind_port, and
// checks the ambient fields this port adds on top of the wire schema
// (excerpt limit, profiles, filters).
func (c Config) Validate() error {
	if c.BindIP == "" {
		return errors.New("bind_ip must not be empty")
	}
	if c.BindPort == 0 {
		return errors.New("bind_port must not be zero")
	}
	if c.ExcerptLimit < 0 {
		return errors.New("excerpt limit must be zero or positive")
	}
	if len(c.Profiles) == 0 {
		return errors.New("at least one profile must be specified")
	}
	return c.validateFilters()
}

func (c Config) validateFilters() error {
	for _, f := range c.Filters {
		switch f.Type {
		case "header-block":
			if f.Header == "" {
				return fmt.Errorf("filter %q missing header", f.Name)
			}
		case "path-prefix-block", "path-prefix-allow":
			if len(f.Values) == 0 {
				return fmt.Errorf("filter %q requires at least one value", f.Name)
			}
		default:
			return fmt.Errorf("unknown filter type: %s", f.Type)
		}
	}
	return nil
}

// MustParseFlags reads CLI overrides and terminates the process on error.
func MustParseFlags(args []string) Config {
	cfg, err := ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseFlags overlays CLI flags on top of a config file (or Default()).
func ParseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("mitmproxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFile  = fs.String("config", DefaultConfigFile, "path to proxy_config.json")
		bindIP      = fs.String("bind-ip", "", "override bind_ip")
		bindPort    = fs.Int("bind-port", 0, "override bind_port")
		proxyHosts  = fs.String("proxy-hosts", "", "comma-separated proxy_hosts allowlist")
		sni         = fs.String("sni", "", "override outbound SNI for all hosts")
		parse       = fs.Bool("parse", false, "enable inner HTTP inspection over MITM tunnels")
		logFile     = fs.String("log-file", "", "path to the JSONL audit log")
		profilesStr = fs.String("profiles", "", "comma-separated traffic profile names")
		excerpt     = fs.Int("excerpt-limit", -1, "maximum bytes captured for request/response excerpts")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(*configFile)
	if err != nil {
		return Config{}, err
	}

	if *bindIP != "" {
		cfg.BindIP = *bindIP
	}
	if *bindPort != 0 {
		cfg.BindPort = uint16(*bindPort)
	}
	if *proxyHosts != "" {
		cfg.ProxyHosts = normaliseList(*proxyHosts)
	}
	if *sni != "" {
		cfg.SNI = *sni
	}
	if *parse {
		cfg.Parse = true
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *profilesStr != "" {
		cfg.Profiles = normaliseList(*profilesStr)
	}
	if *excerpt >= 0 {
		cfg.ExcerptLimit = *excerpt
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normaliseList(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
