package ingest

import (
	"time"

	"fleetguard/internal/config"
)

// Backoff yields reconnect delays that start at one second and double up
// to a ceiling. It is not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff creates a backoff capped at max. Neither the first delay nor
// the cap is ever below config.MinReconnectDelay.
func NewBackoff(max time.Duration) *Backoff {
	if max < config.MinReconnectDelay {
		max = config.MinReconnectDelay
	}
	return &Backoff{
		initial: config.MinReconnectDelay,
		max:     max,
		next:    config.MinReconnectDelay,
	}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.next = b.initial
}
