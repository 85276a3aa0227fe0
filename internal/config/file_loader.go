package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OverlayConfig carries the ambient settings (audit log, traffic profiles,
// filter chain) that live alongside but outside proxy_config.json's wire
// schema. It is optional and may be YAML or JSON.
type OverlayConfig struct {
	LogFile          string                    `json:"log_file" yaml:"log_file"`
	Profiles         []string                  `json:"profiles" yaml:"profiles"`
	ExcerptLimit     *int                       `json:"excerpt_limit" yaml:"excerpt_limit"`
	MITMDisableHosts []string                  `json:"mitm_disable_hosts" yaml:"mitm_disable_hosts"`
	Filters          []FilterSpec              `json:"filters" yaml:"filters"`
	ProfilesConfig   map[string]map[string]any `json:"profiles_config" yaml:"profiles_config"`
}

// LoadOverlay parses the ambient overlay file at path, if any.
func LoadOverlay(path string) (OverlayConfig, error) {
	if path == "" {
		return OverlayConfig{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return OverlayConfig{}, fmt.Errorf("open overlay config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return OverlayConfig{}, fmt.Errorf("read overlay config: %w", err)
	}

	oc := OverlayConfig{}
	switch detectFormat(path, data) {
	case "yaml":
		err = yaml.Unmarshal(data, &oc)
	case "json":
		err = json.Unmarshal(data, &oc)
	default:
		err = errors.New("unsupported overlay format (use .json, .yml, or .yaml)")
	}
	if err != nil {
		return OverlayConfig{}, err
	}

	return oc, nil
}

// MergeOverlay layers an OverlayConfig on top of the CLI/file-derived base.
func MergeOverlay(base Config, oc OverlayConfig) Config {
	if oc.LogFile != "" {
		base.LogFile = oc.LogFile
	}
	if len(oc.Profiles) > 0 {
		base.Profiles = oc.Profiles
	}
	if oc.ExcerptLimit != nil {
		base.ExcerptLimit = *oc.ExcerptLimit
	}
	if len(oc.MITMDisableHosts) > 0 {
		base.MITMDisableHosts = oc.MITMDisableHosts
	}
	if len(oc.Filters) > 0 {
		base.Filters = oc.Filters
	}
	if len(oc.ProfilesConfig) > 0 {
		if base.ProfilesConfig == nil {
			base.ProfilesConfig = make(map[string]map[string]any)
		}
		for name, cfg := range oc.ProfilesConfig {
			base.ProfilesConfig[name] = cfg
		}
	}
	return base
}

func detectFormat(path string, data []byte) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return "yaml"
	}
	if strings.HasSuffix(lower, ".json") {
		return "json"
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}
