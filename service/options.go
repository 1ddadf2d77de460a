package service

import (
	"fmt"
	"time"
)

// Option is the functional option that is applied to the Service instance
// to configure its parameters.
type Option func(*Parameters)

// Parameters is the set of parameters that must be configured for the Service.
type Parameters struct {
	// Topics are subscribed to on Start.
	Topics []string
	// PollInterval is the fallback period between engine polls when no
	// sub-protocol signals the Waker.
	PollInterval time.Duration
	// AnswerTimeout bounds a content store lookup made to answer an inbound
	// request.
	AnswerTimeout time.Duration
}

// DefaultParameters returns the default params to configure the Service.
func DefaultParameters() Parameters {
	return Parameters{
		PollInterval:  time.Second,
		AnswerTimeout: time.Second * 10,
	}
}

func (p *Parameters) Validate() error {
	if p.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %s, must be positive", p.PollInterval)
	}
	if p.AnswerTimeout <= 0 {
		return fmt.Errorf("invalid answer timeout: %s, must be positive", p.AnswerTimeout)
	}
	for _, topic := range p.Topics {
		if topic == "" {
			return fmt.Errorf("invalid topic: empty")
		}
	}
	return nil
}

// WithTopics is a functional option that configures the `Topics` parameter.
func WithTopics(topics ...string) Option {
	return func(p *Parameters) {
		p.Topics = topics
	}
}

// WithPollInterval is a functional option that configures the
// `PollInterval` parameter.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Parameters) {
		p.PollInterval = interval
	}
}

// WithAnswerTimeout is a functional option that configures the
// `AnswerTimeout` parameter.
func WithAnswerTimeout(timeout time.Duration) Option {
	return func(p *Parameters) {
		p.AnswerTimeout = timeout
	}
}

// WithParams is a functional option that overrides Parameters.
func WithParams(new Parameters) Option {
	return func(old *Parameters) {
		*old = new
	}
}
