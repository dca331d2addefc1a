// Package backoff computes the delay between reconnection attempts: a
// truncated binary exponential backoff with jitter, overridable by a
// cloud-dictated block-until deadline or a fixed delay while the cloud has
// disabled reconnection at runtime.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Params are the three knobs the environment descriptor's backoff section
// carries.
type Params struct {
	Base float64       // exponent base, in [1,10]
	MinS time.Duration // floor
	MaxS time.Duration // ceiling
}

// disabledRuntimeDelay is used verbatim, ignoring attempt/jitter, whenever
// the cloud has set the disabled-at-runtime flag via an error response.
const disabledRuntimeDelay = 60 * time.Second

// stableConnectionPUBACKs is the PUBACK count in one session that resets
// attempt back to 0.
const stableConnectionPUBACKs = 3

// Backoff tracks one reconnection loop's attempt counter and any
// cloud-imposed block, wrapping cenkalti/backoff/v4's exponential
// generator for the jittered-delay arithmetic.
type Backoff struct {
	mu      sync.Mutex
	params  Params
	attempt int

	blockedUntil    time.Time
	disabledRuntime bool

	gen *backoff.ExponentialBackOff
}

// New builds a Backoff for the given parameters. The underlying generator
// is configured once; SetParams rebuilds it (a fresh /env on every
// reconnection attempt may carry different backoff parameters).
func New(p Params) *Backoff {
	b := &Backoff{}
	b.SetParams(p)
	return b
}

// SetParams installs new backoff parameters without disturbing attempt,
// blockedUntil, or disabledRuntime.
func (b *Backoff) SetParams(p Params) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = p
	b.gen = newGenerator(p)
}

// unboundedMaxInterval stands in for MaxS == 0 ("no ceiling configured
// yet"): ExponentialBackOff.incrementCurrentInterval caps the interval at
// MaxInterval, so leaving MaxInterval at its zero value would collapse
// every interval to zero instead of growing. NextDelay's own clamp()
// still enforces the real, possibly-absent ceiling.
const unboundedMaxInterval = 24 * time.Hour

func newGenerator(p Params) *backoff.ExponentialBackOff {
	base := p.Base
	if base < 1 {
		base = 2
	}
	maxInterval := p.MaxS
	if maxInterval <= 0 {
		maxInterval = unboundedMaxInterval
	}
	g := backoff.NewExponentialBackOff()
	g.InitialInterval = time.Second
	g.Multiplier = base
	g.MaxInterval = maxInterval
	// cenkalti's own RandomizationFactor jitter is symmetric (+-factor*
	// interval), which would let a delay land below its own base; spec
	// §4.F's formula is additive and one-sided ("base + jitter(0..X)"),
	// so RandomizationFactor stays at 0 and NextDelay layers the spec's
	// jitter on top of the library's deterministic exponential ramp.
	g.RandomizationFactor = 0
	g.MaxElapsedTime = 0 // never gives up on its own; the link owns retry lifetime
	return g
}

// NextDelay advances the attempt counter and returns how long to wait
// before the next reconnection attempt. blocked_until, when in the future,
// always wins over the computed delay. The disabled-at-runtime flag, when
// set, forces a fixed delay regardless of attempt.
func (b *Backoff) NextDelay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disabledRuntime {
		return disabledRuntimeDelay
	}
	if now.Before(b.blockedUntil) {
		return b.blockedUntil.Sub(now)
	}

	b.attempt++
	// Always advance the generator, even on attempt 1 (whose result is
	// discarded below): the first call returns InitialInterval and
	// primes CurrentInterval to base^1*1s for attempt 2, so the
	// generator's own output lines up with computeBaseDelay(base, attempt)
	// one call later.
	base := b.gen.NextBackOff()
	if b.attempt == 1 {
		return 0
	}

	jitterMax := base / 2
	if jitterMax < time.Second {
		jitterMax = time.Second
	}
	delay := base + time.Duration(rand.Int63n(int64(jitterMax)+1))

	return clamp(delay, b.params.MinS, b.params.MaxS)
}

// computeBaseDelay is base^(attempt-1) seconds: the same progression
// gen.NextBackOff() produces internally (RandomizationFactor 0, Multiplier
// base, one call consumed per attempt), kept as an independent reference
// formula for tests to check NextDelay's output against.
func computeBaseDelay(base float64, attempt int) time.Duration {
	if base < 1 {
		base = 2
	}
	d := 1.0
	for i := 1; i < attempt; i++ {
		d *= base
	}
	return time.Duration(d * float64(time.Second))
}

func clamp(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// NotePUBACKs reports the cumulative number of PUBACKs observed in the
// current session; once that count reaches
// stableConnectionPUBACKs, attempt resets to 0 so the next NextDelay call
// returns 0 again.
func (b *Backoff) NotePUBACKs(cumulativeInSession int) {
	if cumulativeInSession < stableConnectionPUBACKs {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.gen.Reset()
}

// Block sets blocked_until to an absolute deadline, per a cloud-dictated
// reconnect-after delay or a permaban (use a far-future time for the
// latter).
func (b *Backoff) Block(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockedUntil = until
}

// SetDisabledRuntime flips the runtime-disabled flag; once set, only a
// process restart clears it (there is no Unset by design: permaban is
// terminal for the process lifetime).
func (b *Backoff) SetDisabledRuntime() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabledRuntime = true
}

// DisabledRuntime reports whether the cloud has permanently disabled
// reconnection for this process.
func (b *Backoff) DisabledRuntime() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabledRuntime
}

// BlockedUntil reports the current block deadline, the zero time if none.
func (b *Backoff) BlockedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedUntil
}

// Attempt reports the current attempt counter, for diagnostics.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
