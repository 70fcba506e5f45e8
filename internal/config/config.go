// Package config loads the TOML settings document mapping the directive
// set in SPEC_FULL.md §6 to headerfilter.Config and keepalive.Config.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nginxkit/proxycore/internal/headerfilter"
	"github.com/nginxkit/proxycore/internal/keepalive"
	"github.com/nginxkit/proxycore/internal/template"
)

// Config is the root decoded document.
type Config struct {
	Expires  ExpiresDirective  `toml:"expires"`
	Headers  []HeaderDirective `toml:"add_header"`
	Trailers []HeaderDirective `toml:"add_trailer"`
	Inputs   []HeaderDirective `toml:"add_input_header"`

	AddHeaderSubrequest bool `toml:"add_header_subrequest"`

	Keepalive KeepaliveDirective `toml:"keepalive"`
	Queue     *QueueDirective    `toml:"queue"`

	Log   LogDirective   `toml:"log"`
	Proxy ProxyDirective `toml:"proxy"`
}

type ExpiresDirective struct {
	Modified bool   `toml:"modified"`
	Spec     string `toml:"spec"`
}

type HeaderDirective struct {
	Name   string `toml:"name"`
	Value  string `toml:"value"`
	Always bool   `toml:"always"`
}

type KeepaliveDirective struct {
	MaxCached int    `toml:"max_cached"`
	Timeout   string `toml:"timeout"`
	Requests  int    `toml:"requests"`
	Overflow  string `toml:"overflow"` // "ignore" | "reject"
}

type QueueDirective struct {
	Max      int    `toml:"max"`
	Timeout  string `toml:"timeout"`
	Overflow string `toml:"overflow"`
}

type LogDirective struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type ProxyDirective struct {
	Upstreams []string `toml:"upstreams"`
	Listen    string   `toml:"listen"`
}

// Load decodes and validates the TOML document at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs the config-time checks spec.md §7 assigns to load
// time: bad enum values, wildcard-with-value, non-positive numerics.
func (c *Config) Validate() error {
	if c.Keepalive.MaxCached <= 0 {
		return fmt.Errorf("config: keepalive.max_cached must be positive")
	}
	switch c.Keepalive.Overflow {
	case "", "ignore", "reject":
	default:
		return fmt.Errorf("config: keepalive.overflow: invalid value %q", c.Keepalive.Overflow)
	}
	if c.Queue != nil {
		if c.Queue.Max < 0 {
			return fmt.Errorf("config: queue.max must be non-negative")
		}
		switch c.Queue.Overflow {
		case "", "ignore", "reject":
		default:
			return fmt.Errorf("config: queue.overflow: invalid value %q", c.Queue.Overflow)
		}
	}
	if c.Expires.Spec != "" {
		if _, err := headerfilter.ParseExpiresSpec(c.Expires.Modified, c.Expires.Spec); err != nil {
			return fmt.Errorf("config: expires: %w", err)
		}
	}
	for _, group := range [][]HeaderDirective{c.Headers, c.Trailers, c.Inputs} {
		for _, h := range group {
			if strings.HasSuffix(h.Name, "*") && h.Value != "" {
				return fmt.Errorf("config: %s: wildcard rule must have an empty value", h.Name)
			}
		}
	}
	return nil
}

// BuildHeaderFilterConfig translates the decoded directives into a
// headerfilter.Config, constructing rules in configured order.
func (c *Config) BuildHeaderFilterConfig(metrics headerfilter.RuleMetrics) (headerfilter.Config, error) {
	var out headerfilter.Config
	out.ApplyInSubrequests = c.AddHeaderSubrequest
	out.Metrics = metrics

	if c.Expires.Spec != "" {
		ex, err := headerfilter.ParseExpiresSpec(c.Expires.Modified, c.Expires.Spec)
		if err != nil {
			return out, err
		}
		out.Expires = ex
	}

	for _, h := range c.Headers {
		rule, err := headerfilter.NewResponseRule(h.Name, *template.Compile(h.Value), h.Always, c.AddHeaderSubrequest)
		if err != nil {
			return out, err
		}
		out.ResponseRules = append(out.ResponseRules, rule)
	}
	for _, h := range c.Trailers {
		rule, err := headerfilter.NewResponseRule(h.Name, *template.Compile(h.Value), h.Always, c.AddHeaderSubrequest)
		if err != nil {
			return out, err
		}
		out.TrailerRules = append(out.TrailerRules, rule)
	}
	for _, h := range c.Inputs {
		rule, err := headerfilter.NewInputHeaderRule(h.Name, *template.Compile(h.Value))
		if err != nil {
			return out, err
		}
		out.InputRules = append(out.InputRules, rule)
	}
	return out, nil
}

// BuildKeepaliveConfig translates the decoded directives into a
// keepalive.Config. The balancer and metrics seams are supplied by the
// caller since they aren't expressible as plain config data.
func (c *Config) BuildKeepaliveConfig(balancer keepalive.Balancer, metrics keepalive.Metrics) (keepalive.Config, error) {
	timeout, err := parseDurationOrSeconds(c.Keepalive.Timeout, 60*time.Second)
	if err != nil {
		return keepalive.Config{}, fmt.Errorf("config: keepalive.timeout: %w", err)
	}

	out := keepalive.Config{
		MaxCached: c.Keepalive.MaxCached,
		Timeout:   timeout,
		Requests:  c.Keepalive.Requests,
		Overflow:  parseOverflow(c.Keepalive.Overflow),
		Balancer:  balancer,
		Metrics:   metrics,
	}

	if c.Queue != nil {
		qTimeout, err := parseDurationOrSeconds(c.Queue.Timeout, 5*time.Second)
		if err != nil {
			return keepalive.Config{}, fmt.Errorf("config: queue.timeout: %w", err)
		}
		out.Wait = &keepalive.WaitConfig{
			Max:      c.Queue.Max,
			Timeout:  qTimeout,
			Overflow: parseQueueOverflow(c.Queue.Overflow),
		}
	}
	return out, nil
}

// parseOverflow governs the keepalive cache itself: an unspecified value
// keeps admitting past max_cached (each such admission overshoots the cap
// by one more connection), matching nginx's own default keepalive behavior.
func parseOverflow(s string) keepalive.OverflowPolicy {
	if s == "reject" {
		return keepalive.OverflowReject
	}
	return keepalive.OverflowIgnore
}

// parseQueueOverflow governs the wait queue: an unspecified value rejects
// a full queue with Busy/502, matching nginx's queue directive, which has
// no overshoot mode to fall back to.
func parseQueueOverflow(s string) keepalive.OverflowPolicy {
	if s == "ignore" {
		return keepalive.OverflowIgnore
	}
	return keepalive.OverflowReject
}

func parseDurationOrSeconds(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
