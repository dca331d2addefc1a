// Package config loads the handful of keys ACLK's daemon harness needs
// (spec §6 "Configuration keys"). The loader keeps the teacher's shape:
// read a YAML (falling back to JSON) file, substitute ${VAR} /
// ${VAR:-default} references against the environment first, then decode.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of configuration keys ACLK's core consults
// (spec §6): the cloud base URL, proxy selection, the query worker pool
// size, the statistics toggle, and where the claim directory (holding
// private.pem) lives.
type Config struct {
	CloudBaseURL     string `json:"cloud_base_url" yaml:"cloud_base_url"`
	Proxy            string `json:"proxy" yaml:"proxy"` // "env", "none", or an explicit proxy URL
	QueryThreadCount int    `json:"query_thread_count" yaml:"query_thread_count"`
	Statistics       bool   `json:"statistics" yaml:"statistics"`
	ClaimDir         string `json:"claim_dir" yaml:"claim_dir"`
}

// defaultClaimDir mirrors the on-disk layout spec §6 names:
// <varlib>/cloud.d/private.pem.
const defaultClaimDir = "/var/lib/netdata/cloud.d"

// Validate enforces the one mandatory key and fills in defaults for the
// rest (spec §6: cloud_base_url is mandatory; query_thread_count defaults
// from CPU count, which eventloop.New already applies for a zero value).
func (c *Config) Validate() error {
	if c.CloudBaseURL == "" {
		return fmt.Errorf("config: cloud_base_url is required")
	}
	switch c.Proxy {
	case "", "env":
		c.Proxy = "env"
	case "none":
	default:
		// Any other value is taken as an explicit proxy URL; proxyresolve
		// validates the grammar when it's actually resolved.
	}
	if c.ClaimDir == "" {
		c.ClaimDir = defaultClaimDir
	}
	if c.QueryThreadCount < 0 {
		return fmt.Errorf("config: query_thread_count must be >= 1")
	}
	return nil
}

// Load reads path, substitutes environment references, and decodes as
// YAML (falling back to JSON, the way the teacher's LoadConfig does for
// operators who hand it either).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	content := SubstituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		if err := json.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, fmt.Errorf("config: decoding %s (tried YAML and JSON): %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRegex = regexp.MustCompile(`\${(\w+)(?::-([^}]*))?}`)

// SubstituteEnvVars replaces ${VAR} and ${VAR:-default} references against
// the process environment, leaving unresolved references with no default
// untouched.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		envVar := matches[1]
		if val, ok := os.LookupEnv(envVar); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}
