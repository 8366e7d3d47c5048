package orchestrator

import (
	"fmt"
	"time"

	"github.com/vinayprograms/replykit/pipeline"
)

// Policy bounds one stage: how often a retryable failure is retried, how
// long to wait between attempts and how long a single attempt may take.
type Policy struct {
	MaxRetries    int           `toml:"max_retries"`
	Delay         time.Duration `toml:"delay"`
	BackoffFactor float64       `toml:"backoff_factor"`
	MaxDelay      time.Duration `toml:"max_delay"`
	Timeout       time.Duration `toml:"timeout"`
}

// Backoff returns the wait before retry number attempt+1.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.Delay)
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 0; i < attempt; i++ {
		d *= factor
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Policies maps stage name to policy.
type Policies map[string]Policy

const (
	defaultTimeout  = time.Minute
	defaultMaxDelay = 5 * time.Minute
)

// DefaultPolicies retries every stage twice with exponential backoff.
// Generation gets a ten minute timeout; the rest get one minute.
func DefaultPolicies() Policies {
	p := func(delay, timeout time.Duration) Policy {
		return Policy{MaxRetries: 2, Delay: delay, BackoffFactor: 2, MaxDelay: defaultMaxDelay, Timeout: timeout}
	}
	return Policies{
		pipeline.StageCredentials: p(5*time.Second, defaultTimeout),
		pipeline.StageFetch:       p(10*time.Second, defaultTimeout),
		pipeline.StageRateLimit:   p(10*time.Second, defaultTimeout),
		pipeline.StageGenerate:    p(10*time.Second, 10*time.Minute),
		pipeline.StagePublish:     p(20*time.Second, defaultTimeout),
	}
}

// For returns the policy for stage. Zero fields fall back to the default
// policy of that stage.
func (ps Policies) For(stage string) Policy {
	def, ok := DefaultPolicies()[stage]
	if !ok {
		def = Policy{MaxRetries: 2, Delay: 10 * time.Second, BackoffFactor: 2, MaxDelay: defaultMaxDelay, Timeout: defaultTimeout}
	}
	p, ok := ps[stage]
	if !ok {
		return def
	}
	if p.Delay == 0 {
		p.Delay = def.Delay
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// Merge overlays o on ps, returning a new map.
func (ps Policies) Merge(o Policies) Policies {
	out := make(Policies, len(ps)+len(o))
	for k, v := range ps {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

func (ps Policies) Validate() error {
	for stage := range ps {
		if err := ps.For(stage).Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", stage, err)
		}
	}
	return nil
}
