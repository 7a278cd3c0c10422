package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often a job kind is attempted and how long a failed
// attempt waits before the next one.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

var defaultPolicy = Policy{Attempts: 3, BaseDelay: time.Second}

var policies = map[Kind]Policy{
	// Installs are expensive, so they retry less and wait longer.
	KindInstall:          {Attempts: 2, BaseDelay: 5 * time.Second},
	KindUpdate:           defaultPolicy,
	KindRestart:          defaultPolicy,
	KindDelete:           {Attempts: 2, BaseDelay: time.Second},
	KindAggregateMetrics: {Attempts: 5, BaseDelay: 2 * time.Second},
	KindReportUsage:      {Attempts: 5, BaseDelay: 2 * time.Second},
}

// PolicyFor returns the retry policy of kind.
func PolicyFor(kind Kind) Policy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return defaultPolicy
}

// Exhausted reports whether attempt (1-based, the one that just failed) was
// the last one allowed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.Attempts
}

// Delay is the exponential wait after the given failed attempt: BaseDelay,
// then twice that, and so on.
func (p Policy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
