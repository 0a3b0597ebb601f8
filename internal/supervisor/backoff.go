package supervisor

import "time"

// backoffPolicy yields restart delays that start at initial and double up
// to max. It is never reset: a guest that keeps crashing stays at the
// ceiling.
type backoffPolicy struct {
	current time.Duration
	max     time.Duration
}

func newBackoffPolicy(initial, ceiling time.Duration) *backoffPolicy {
	return &backoffPolicy{current: initial, max: ceiling}
}

// Next returns the delay to wait now and advances the sequence.
func (b *backoffPolicy) Next() time.Duration {
	d := b.current
	b.current = min(b.current*2, b.max)
	return d
}

// Peek returns the delay Next would return without advancing.
func (b *backoffPolicy) Peek() time.Duration { return b.current }
