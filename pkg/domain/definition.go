package domain

import "time"

// StepType is the configured kind of a pipeline step.
type StepType string

const (
	StepGate        StepType = "gate"
	StepTransform   StepType = "transform"
	StepAggregation StepType = "aggregation"
	StepCoalesce    StepType = "coalesce"
)

// NodeType returns the graph node type for the step.
func (t StepType) NodeType() NodeType {
	return NodeType(t)
}

// PipelineSpec is the declarative pipeline document.
type PipelineSpec struct {
	ID          string          `yaml:"id" json:"id"`
	Source      string          `yaml:"source,omitempty" json:"source,omitempty"`
	DefaultSink string          `yaml:"default_sink" json:"default_sink"`
	Sinks       []string        `yaml:"sinks" json:"sinks"`
	Steps       []StepSpec      `yaml:"steps" json:"steps"`
	ErrorPolicy ErrorPolicySpec `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
}

// StepSpec declares one step. Fields apply to the step types noted.
type StepSpec struct {
	Name string   `yaml:"name" json:"name"`
	Type StepType `yaml:"type" json:"type"`

	// Branches restricts gates, transforms and aggregations to tokens on the
	// listed fork branches. For coalesce steps it lists the expected branches.
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`

	// gate
	Condition string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Routes    map[string]string `yaml:"routes,omitempty" json:"routes,omitempty"`
	ForkTo    []string          `yaml:"fork_to,omitempty" json:"fork_to,omitempty"`

	// transform, aggregation
	Plugin  string         `yaml:"plugin,omitempty" json:"plugin,omitempty"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`

	// transform
	Retry          *RetrySpec          `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnError        string              `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	RateLimit      *RateLimitSpec      `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	CircuitBreaker *CircuitBreakerSpec `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`

	// coalesce
	Policy  CoalescePolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
	Quorum  int            `yaml:"quorum,omitempty" json:"quorum,omitempty"`
	Merge   MergeStrategy  `yaml:"merge,omitempty" json:"merge,omitempty"`
	Timeout time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RetrySpec configures transform retries. MaxAttempts counts the first try.
type RetrySpec struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// RateLimitSpec configures a token bucket in front of a transform.
type RateLimitSpec struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// CircuitBreakerSpec configures a transform circuit breaker.
type CircuitBreakerSpec struct {
	MaxFailures int           `yaml:"max_failures" json:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown"`
}

// ErrorPolicySpec configures the Rego error policy. An empty Rego source
// leaves each transform's on_error in charge.
type ErrorPolicySpec struct {
	Rego    string `yaml:"rego,omitempty" json:"rego,omitempty"`
	Posture string `yaml:"posture,omitempty" json:"posture,omitempty"`
}

// StepByName returns the step with the given name.
func (p *PipelineSpec) StepByName(name string) (StepSpec, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}
