package helpers

import (
	"math/rand"
	"sync"
	"time"

	"github.com/temoto/atomic_clock"
)

// Backoff computes limited exponential retry delays with jitter.
// Shared by per-device failure tracking and the persistent retry queue
// so both degrade the same way under sustained errors.
type Backoff struct {
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration

	rndmu sync.Mutex
	rnd   *rand.Rand
}

// Delay returns min(Max, Min*2^(attempt-1)) plus uniform jitter in
// [0, base/2). attempt<=0 means "never failed" and yields 0.
func (b *Backoff) Delay(attempt int) time.Duration {
	base := b.base(attempt)
	if base == 0 {
		return 0
	}
	return base + b.jitter(base)
}

// DelayBase is Delay without jitter, exposed for deterministic checks.
func (b *Backoff) DelayBase(attempt int) time.Duration { return b.base(attempt) }

// MarkNow stamps the last-attempt time. Lock-free, safe from any goroutine.
func (b *Backoff) MarkNow() { b.last.SetNow() }

// SinceLast returns elapsed time since MarkNow, or a very large duration
// if MarkNow was never called.
func (b *Backoff) SinceLast() time.Duration {
	if b.last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return atomic_clock.Since(&b.last)
}

func (b *Backoff) base(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := b.Min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

func (b *Backoff) jitter(base time.Duration) time.Duration {
	half := int64(base / 2)
	if half <= 0 {
		return 0
	}
	b.rndmu.Lock()
	defer b.rndmu.Unlock()
	if b.rnd == nil {
		b.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(b.rnd.Int63n(half))
}

// SeedRand pins the jitter source, for tests.
func (b *Backoff) SeedRand(seed int64) {
	b.rndmu.Lock()
	b.rnd = rand.New(rand.NewSource(seed))
	b.rndmu.Unlock()
}
