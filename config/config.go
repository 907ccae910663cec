package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/runner"
)

// Config holds the control plane settings.
type Config struct {
	SpeakerCommandRetriesLimit     int           `json:"speaker_command_retries_limit" yaml:"speaker_command_retries_limit"`
	SpeakerCommandTimeout          time.Duration `json:"speaker_command_timeout" yaml:"speaker_command_timeout"`
	ResourceAllocationRetriesLimit int           `json:"resource_allocation_retries_limit" yaml:"resource_allocation_retries_limit"`
	AllocationBackoff              Backoff       `json:"allocation_backoff" yaml:"allocation_backoff"`
	FlowIDPrefix                   string        `json:"flow_id_prefix" yaml:"flow_id_prefix"`
	CapabilityCacheTTL             time.Duration `json:"capability_cache_ttl" yaml:"capability_cache_ttl"`
	VlanPool                       Range         `json:"vlan_pool" yaml:"vlan_pool"`
	VxlanPool                      Range         `json:"vxlan_pool" yaml:"vxlan_pool"`
	// ValidationSchedule is a cron spec; empty disables periodic validation.
	ValidationSchedule string `json:"validation_schedule,omitempty" yaml:"validation_schedule,omitempty"`
	LegacyCleanup      bool   `json:"legacy_cleanup,omitempty" yaml:"legacy_cleanup,omitempty"`
}

type Backoff struct {
	Base   time.Duration `json:"base" yaml:"base"`
	Factor float64       `json:"factor" yaml:"factor"`
	Max    time.Duration `json:"max" yaml:"max"`
}

// Strategy returns the runner strategy matching b.
func (b Backoff) Strategy() runner.RetryStrategy {
	if b.Base <= 0 {
		return runner.NoDelayStrategy{}
	}
	return runner.ExponentialBackoffStrategy{Base: b.Base, Factor: b.Factor, Max: b.Max}
}

// Range is an inclusive id pool.
type Range struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

func (r Range) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Defaults returns the settings used when a key is absent.
func Defaults() Config {
	return Config{
		SpeakerCommandRetriesLimit:     3,
		SpeakerCommandTimeout:          10 * time.Second,
		ResourceAllocationRetriesLimit: 10,
		AllocationBackoff:              Backoff{Base: 50 * time.Millisecond, Factor: 2, Max: time.Second},
		FlowIDPrefix:                   "flow-",
		CapabilityCacheTTL:             5 * time.Minute,
		VlanPool:                       Range{Min: 101, Max: 4095},
		VxlanPool:                      Range{Min: 4096, Max: 16777214},
	}
}

// Parse reads YAML (or JSON) over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, flowhs.WrapError(flowhs.ErrValidation, "config is not valid yaml", err, nil)
	}
	return cfg, cfg.Validate()
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, flowhs.WrapError(flowhs.ErrInvalidArgument, "cannot read config", err,
			map[string]any{"path": path})
	}
	return Parse(data)
}

// Validate performs structural validation.
func (c Config) Validate() error {
	var problems []string
	if c.SpeakerCommandRetriesLimit < 0 {
		problems = append(problems, "speaker_command_retries_limit must not be negative")
	}
	if c.SpeakerCommandTimeout <= 0 {
		problems = append(problems, "speaker_command_timeout must be positive")
	}
	if c.ResourceAllocationRetriesLimit < 0 {
		problems = append(problems, "resource_allocation_retries_limit must not be negative")
	}
	if c.AllocationBackoff.Base < 0 || c.AllocationBackoff.Max < 0 {
		problems = append(problems, "allocation_backoff durations must not be negative")
	}
	if c.CapabilityCacheTTL <= 0 {
		problems = append(problems, "capability_cache_ttl must be positive")
	}
	if c.VlanPool.Size() == 0 || c.VlanPool.Min < 1 || c.VlanPool.Max > 4095 {
		problems = append(problems, fmt.Sprintf("vlan_pool %s must lie within 1-4095", c.VlanPool))
	}
	if c.VxlanPool.Size() == 0 || c.VxlanPool.Min < 1 || c.VxlanPool.Max > 1<<24-1 {
		problems = append(problems, fmt.Sprintf("vxlan_pool %s must lie within 1-16777215", c.VxlanPool))
	}
	if spec := strings.TrimSpace(c.ValidationSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			problems = append(problems, fmt.Sprintf("validation_schedule %q: %v", spec, err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return flowhs.NewError(flowhs.ErrValidation, "invalid configuration: "+strings.Join(problems, "; "),
		map[string]any{"problems": problems})
}
