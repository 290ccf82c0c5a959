package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without attempting the underlying call while the
// breaker is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	stateClosed = iota
	stateOpen
	stateProbing
)

// Breaker trips after a run of consecutive failures and short-circuits
// calls until a cooldown elapses. After the cooldown exactly one probe call
// is let through: success closes the breaker, failure reopens it and
// restarts the cooldown. One Breaker guards one dependency; failure
// counters are never shared.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	onChange  func(name string, open bool)

	mu       sync.Mutex
	state    int
	failures int
	openedAt time.Time
	now      func() time.Time
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange registers a callback fired when the breaker opens or
// closes, for metric emission.
func (b *Breaker) OnStateChange(fn func(name string, open bool)) { b.onChange = fn }

func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. The error from fn is returned
// unchanged so callers can still distinguish their own failure modes.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		// Cooldown elapsed: admit this call as the single probe.
		b.state = stateProbing
		return nil
	case stateProbing:
		return ErrOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		wasOpen := b.state != stateClosed
		b.state = stateClosed
		b.failures = 0
		if wasOpen && b.onChange != nil {
			b.onChange(b.name, false)
		}
		return
	}
	if b.state == stateProbing {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = stateOpen
	b.openedAt = b.now()
	b.failures = 0
	if b.onChange != nil {
		b.onChange(b.name, true)
	}
}
