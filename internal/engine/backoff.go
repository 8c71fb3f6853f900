package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff schedules retries of an outstanding settlement step.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns base*2^attempt capped at Max, plus a jitter derived from key
// and attempt so the same settlement always gets the same schedule.
func (b Backoff) Delay(key string, attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := b.Base * time.Duration(int64(1)<<shift)
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	return delay + b.jitter(key, attempt)
}

func (b Backoff) jitter(key string, attempt int) time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(b.Jitter))
}
