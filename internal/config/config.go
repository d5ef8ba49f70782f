// Package config parses CLI flags and environment-variable overrides for
// cmd/fixturehost, plus an optional YAML SKU TestPlan file for that
// binary's own convenience (SPEC_FULL §4.12). The core library itself
// accepts a plain orchestrator.TestPlan value; nothing here is required to
// drive the protocol core.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/diodedynamics/fixturecore/internal/orchestrator"
)

// Config is the fully resolved runtime configuration for cmd/fixturehost.
type Config struct {
	CandidatePorts  []string
	BaudProbeList   []int
	ReadTimeout     time.Duration
	CommandBaseTO   time.Duration
	PerRelayTO      time.Duration
	LogFormat       string
	LogLevel        string
	MetricsAddr     string
	DeviceCachePath string
	MDNSEnable      bool
	MDNSName        string
	SKUPlanPath     string
	AllowAltBaud    bool
	LogMetricsEvery time.Duration
}

// ParseFlags parses os.Args, applies FIXTURECORE_* environment overrides
// for anything not explicitly set on the command line, validates the
// result, and returns it. Following the teacher's shape: parseFlags,
// applyEnvOverrides, validate as three distinct steps.
func ParseFlags() (*Config, error) {
	cfg := &Config{}

	ports := flag.String("ports", "/dev/ttyUSB0,/dev/ttyACM0", "Comma-separated candidate serial port paths")
	bauds := flag.String("baud-probe-list", "115200", "Comma-separated baud rates to probe, primary first")
	readTO := flag.Duration("read-timeout", 50*time.Millisecond, "Serial read timeout")
	cmdBaseTO := flag.Duration("command-base-timeout", 2*time.Second, "Base timeout for a command with no relays")
	perRelayTO := flag.Duration("command-per-relay-timeout", 200*time.Millisecond, "Additional per-relay timeout for test_panel")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	cachePath := flag.String("device-cache", "device_cache.json", "Path to the device identification cache file")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the metrics/status endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default fixturehost-<hostname>)")
	skuPlan := flag.String("sku-plan", "", "Path to a YAML SKU TestPlan file (optional)")
	allowAltBaud := flag.Bool("allow-alt-baud", false, "Fall back to alternate baud rates during identification")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.CandidatePorts = splitCSV(*ports)
	baudList, err := parseBauds(*bauds)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.BaudProbeList = baudList
	cfg.ReadTimeout = *readTO
	cfg.CommandBaseTO = *cmdBaseTO
	cfg.PerRelayTO = *perRelayTO
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.DeviceCachePath = *cachePath
	cfg.MDNSEnable = *mdnsEnable
	cfg.MDNSName = *mdnsName
	cfg.SKUPlanPath = *skuPlan
	cfg.AllowAltBaud = *allowAltBaud
	cfg.LogMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, fmt.Errorf("config: environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It never opens devices or listeners — only checks values and ranges.
func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.CandidatePorts) == 0 {
		return errors.New("at least one candidate port is required")
	}
	if len(c.BaudProbeList) == 0 {
		return errors.New("at least one baud rate is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read-timeout must be > 0")
	}
	if c.CommandBaseTO <= 0 {
		return errors.New("command-base-timeout must be > 0")
	}
	if c.PerRelayTO < 0 {
		return errors.New("command-per-relay-timeout must be >= 0")
	}
	if c.DeviceCachePath == "" {
		return errors.New("device-cache path must not be empty")
	}
	return nil
}

// applyEnvOverrides maps FIXTURECORE_* environment variables onto cfg
// fields whose flag was not explicitly set (the flag always wins).
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["ports"]; !ok {
		if v, ok := get("FIXTURECORE_PORTS"); ok && v != "" {
			c.CandidatePorts = splitCSV(v)
		}
	}
	if _, ok := set["baud-probe-list"]; !ok {
		if v, ok := get("FIXTURECORE_BAUD_PROBE_LIST"); ok && v != "" {
			bauds, err := parseBauds(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FIXTURECORE_BAUD_PROBE_LIST: %w", err)
			} else if err == nil {
				c.BaudProbeList = bauds
			}
		}
	}
	if _, ok := set["read-timeout"]; !ok {
		if v, ok := get("FIXTURECORE_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.ReadTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FIXTURECORE_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("FIXTURECORE_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("FIXTURECORE_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("FIXTURECORE_METRICS_ADDR"); ok {
			c.MetricsAddr = v
		}
	}
	if _, ok := set["device-cache"]; !ok {
		if v, ok := get("FIXTURECORE_DEVICE_CACHE"); ok && v != "" {
			c.DeviceCachePath = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("FIXTURECORE_MDNS_ENABLE"); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("FIXTURECORE_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	if _, ok := set["sku-plan"]; !ok {
		if v, ok := get("FIXTURECORE_SKU_PLAN"); ok && v != "" {
			c.SKUPlanPath = v
		}
	}
	if _, ok := set["allow-alt-baud"]; !ok {
		if v, ok := get("FIXTURECORE_ALLOW_ALT_BAUD"); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.AllowAltBaud = true
			case "0", "false", "no", "off":
				c.AllowAltBaud = false
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("FIXTURECORE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.LogMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FIXTURECORE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBauds(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad baud rate %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// skuPlanFile is the YAML on-disk shape for an optional SKU TestPlan,
// loaded only by cmd/fixturehost's own convenience path.
type skuPlanFile struct {
	Functions []skuFunctionYAML `yaml:"functions"`
}

type skuFunctionYAML struct {
	Name         string        `yaml:"name"`
	RelayIndices []int         `yaml:"relay_indices"`
	RelayBoard   map[int]int   `yaml:"relay_board"`
	DelayAfterMS int           `yaml:"delay_after_ms"`
	Limits       skuLimitsYAML `yaml:"limits"`
}

type skuLimitsYAML struct {
	VoltageMin float64 `yaml:"voltage_min"`
	VoltageMax float64 `yaml:"voltage_max"`
	CurrentMin float64 `yaml:"current_min"`
	CurrentMax float64 `yaml:"current_max"`
}

// LoadSKUPlan reads a YAML SKU TestPlan file from path and converts it into
// an orchestrator.TestPlan. This is a convenience for cmd/fixturehost only;
// the core library never reads this format itself.
func LoadSKUPlan(path string) (orchestrator.TestPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read sku plan %s: %w", path, err)
	}
	var doc skuPlanFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse sku plan %s: %w", path, err)
	}

	plan := make(orchestrator.TestPlan, 0, len(doc.Functions))
	for _, f := range doc.Functions {
		if f.Name == "" {
			return nil, fmt.Errorf("config: sku plan %s: function with empty name", path)
		}
		plan = append(plan, orchestrator.FunctionStep{
			Name:         f.Name,
			RelayIndices: f.RelayIndices,
			RelayBoard:   f.RelayBoard,
			DelayAfter:   time.Duration(f.DelayAfterMS) * time.Millisecond,
			Limits: orchestrator.Limits{
				VoltageMin: f.Limits.VoltageMin,
				VoltageMax: f.Limits.VoltageMax,
				CurrentMin: f.Limits.CurrentMin,
				CurrentMax: f.Limits.CurrentMax,
			},
		})
	}
	return plan, nil
}
