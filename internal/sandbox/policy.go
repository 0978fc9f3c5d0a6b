package sandbox

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"gopkg.in/yaml.v3"
)

// Policy represents the resource envelope generated code runs under.
type Policy struct {
	Provider string  `yaml:"provider"`
	Image    string  `yaml:"image"`
	CPU      float64 `yaml:"cpu"`
	Memory   string  `yaml:"memory"`
	Timeout  string  `yaml:"timeout"`
	Network  struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"network"`
	EnvAllowlist []string `yaml:"env_allowlist"`
}

// LoadPolicy reads the policy file named by cfg.PolicyFile and fills unset fields from cfg.
// An empty policy file path yields a policy built from cfg alone.
func LoadPolicy(cfg config.SandboxConfig) (*Policy, error) {
	var policy struct {
		Sandbox Policy `yaml:"sandbox"`
	}
	if strings.TrimSpace(cfg.PolicyFile) != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("parse policy: %w", err)
		}
	}
	p := policy.Sandbox
	if p.Provider == "" {
		p.Provider = cfg.Provider
	}
	if p.Image == "" {
		p.Image = cfg.Image
	}
	if p.Timeout == "" && cfg.Timeout > 0 {
		p.Timeout = cfg.Timeout.String()
	}
	if p.CPU == 0 {
		p.CPU = cfg.CPU
	}
	if p.Memory == "" {
		p.Memory = cfg.Memory
	}
	if p.Provider == "" {
		return nil, fmt.Errorf("sandbox provider missing; set sandbox.provider in config or policy")
	}
	if _, err := time.ParseDuration(p.Timeout); err != nil {
		return nil, fmt.Errorf("sandbox policy timeout %q: %w", p.Timeout, err)
	}
	return &p, nil
}

// MaxTimeout returns the policy timeout ceiling.
func (p *Policy) MaxTimeout() time.Duration {
	if p == nil {
		return 0
	}
	d, _ := time.ParseDuration(p.Timeout)
	return d
}

// MemoryBytes returns the memory limit in bytes, zero when unset or unparsable.
func (p *Policy) MemoryBytes() int64 {
	if p == nil {
		return 0
	}
	return int64(parseMemoryBytes(p.Memory))
}

// Enforcer performs policy validation prior to execution.
type Enforcer struct {
	policy *Policy
}

func NewEnforcer(policy *Policy) *Enforcer {
	return &Enforcer{policy: policy}
}

// Validate applies policy defaults to job and rejects jobs that exceed the policy.
// The job is mutated in place so callers can rely on the resulting timeout.
func (e *Enforcer) Validate(job *Job) error {
	if job == nil {
		return fmt.Errorf("sandbox job is nil")
	}
	if strings.TrimSpace(job.Code) == "" {
		return fmt.Errorf("sandbox job has no code")
	}
	for name := range job.Files {
		if err := checkRelativePath(name); err != nil {
			return err
		}
	}
	if e == nil || e.policy == nil {
		return nil
	}
	limit := e.policy.MaxTimeout()
	if job.Timeout <= 0 {
		job.Timeout = limit
	}
	if limit > 0 && job.Timeout > limit {
		return fmt.Errorf("timeout %s exceeds policy %s", job.Timeout, limit)
	}
	return nil
}

// Policy returns the underlying policy, useful for diagnostics and logging.
func (e *Enforcer) Policy() *Policy {
	if e == nil {
		return nil
	}
	return e.policy
}

func parseMemoryBytes(value string) float64 {
	val := strings.TrimSpace(strings.ToLower(value))
	if val == "" {
		return 0
	}
	// longest suffixes first so "mib" is not read as "b"
	units := []struct {
		suffix     string
		multiplier float64
	}{
		{"kib", 1024}, {"mib", 1024 * 1024}, {"gib", 1024 * 1024 * 1024}, {"tib", math.Pow(1024, 4)},
		{"kb", 1024}, {"mb", 1024 * 1024}, {"gb", 1024 * 1024 * 1024}, {"tb", math.Pow(1024, 4)},
		{"ki", 1024}, {"mi", 1024 * 1024}, {"gi", 1024 * 1024 * 1024}, {"ti", math.Pow(1024, 4)},
		{"k", 1024}, {"m", 1024 * 1024}, {"g", 1024 * 1024 * 1024}, {"t", math.Pow(1024, 4)},
		{"b", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(val, u.suffix) {
			number := strings.TrimSpace(strings.TrimSuffix(val, u.suffix))
			f, err := strconv.ParseFloat(number, 64)
			if err != nil {
				return 0
			}
			return f * u.multiplier
		}
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return 0
}
