package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a ping session.
const (
	DefaultTimeout    = 4 * time.Second
	DefaultInterval   = time.Second
	DefaultTTL        = 64
	DefaultIdentifier = 1
)

func Load(path string) (cfg *Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	cfg = Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		err = fmt.Errorf("parse %s: %w", path, err)
		return
	}

	err = cfg.Validate()
	return
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Timeout:    Interval{DefaultTimeout},
		Interval:   Interval{DefaultInterval},
		TTL:        DefaultTTL,
		Identifier: DefaultIdentifier,
		Network:    "ip",
		Resolver:   "system",
		Output:     "text",
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

type Config struct {
	Target string `json:"target" yaml:"target"`

	// Count of echo requests, nil runs until interrupted.
	Count *int `json:"count,omitempty" yaml:"count,omitempty"`

	// Size of the echo payload in bytes.
	Size int `json:"size" yaml:"size"`

	// Pattern is a hex string repeated to fill the payload.
	Pattern string `json:"pattern" yaml:"pattern"`

	// Timeout per echo request, zero or "none" waits forever.
	Timeout  Interval `json:"timeout" yaml:"timeout"`
	Interval Interval `json:"interval" yaml:"interval"`

	TTL        int    `json:"ttl" yaml:"ttl"`
	Identifier uint16 `json:"identifier" yaml:"identifier"`

	// Network restricts resolution: ip, ip4 or ip6.
	Network      string `json:"network" yaml:"network"`
	Unprivileged bool   `json:"unprivileged" yaml:"unprivileged"`
	Interface    string `json:"interface" yaml:"interface"`

	// Resolver is "system" or "doh".
	Resolver string `json:"resolver" yaml:"resolver"`
	DoHURL   string `json:"doh_url" yaml:"doh_url"`

	// Output is "text" or "json".
	Output      string `json:"output" yaml:"output"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// DebugChecksum tries the single-shot checksum path before overriding.
	DebugChecksum bool `json:"debug_checksum" yaml:"debug_checksum"`
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.Count != nil && *c.Count < 0 {
		errs = append(errs, fmt.Errorf("count %d cannot be negative", *c.Count))
	}
	if c.Size < 0 || c.Size > 65507 {
		errs = append(errs, fmt.Errorf("size %d out of range 0-65507", c.Size))
	}
	if _, err := c.PatternBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("timeout %v cannot be negative", c.Timeout))
	}
	if c.Interval.Duration < 0 {
		errs = append(errs, fmt.Errorf("interval %v cannot be negative", c.Interval))
	}
	if c.TTL < 1 || c.TTL > 255 {
		errs = append(errs, fmt.Errorf("ttl %d out of range 1-255", c.TTL))
	}
	if !oneOf(c.Network, "ip", "ip4", "ip6") {
		errs = append(errs, fmt.Errorf("unknown network %q", c.Network))
	}
	if !oneOf(c.Resolver, "system", "doh") {
		errs = append(errs, fmt.Errorf("unknown resolver %q", c.Resolver))
	}
	if !oneOf(c.Output, "text", "json") {
		errs = append(errs, fmt.Errorf("unknown output %q", c.Output))
	}

	return errors.Join(errs...)
}

// PatternBytes decodes the payload fill pattern.
func (c *Config) PatternBytes() ([]byte, error) {
	p := strings.TrimPrefix(strings.ToLower(c.Pattern), "0x")
	b, err := hex.DecodeString(p)
	if err != nil {
		return nil, fmt.Errorf("pattern %q is not hex: %w", c.Pattern, err)
	}
	return b, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

type Interval struct {
	time.Duration
}

// ParseInterval parses a Go duration. Empty, "none" and "forever" mean no
// limit and yield zero.
func ParseInterval(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "forever":
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (d *Interval) UnmarshalJSON(data []byte) (err error) {
	var pstr string
	err = json.Unmarshal(data, &pstr)
	if err != nil {
		return err
	}
	d.Duration, err = ParseInterval(pstr)
	return
}

func (d *Interval) MarshalJSON() (data []byte, err error) {
	s := d.Duration.String()
	data, err = json.Marshal(s)
	return
}

func (d *Interval) UnmarshalYAML(value *yaml.Node) (err error) {
	var pstr string
	if err = value.Decode(&pstr); err != nil {
		return err
	}
	d.Duration, err = ParseInterval(pstr)
	return
}

func (d Interval) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}
