package ratelimit

import (
	"testing"

	"github.com/vmmstack/microvmm/internal/config"
)

func TestNewPairNilConfigIsUnlimited(t *testing.T) {
	p := NewPair(nil)
	if !p.AllowOp() || !p.AllowBytes(1 << 30) {
		t.Fatal("a nil RateLimiterConfig must never throttle")
	}
}

func TestBucketOneTimeBurstThenSteadyState(t *testing.T) {
	b := NewBucket(config.TokenBucketParams{
		Size:         10,
		OneTimeBurst: 100,
		RefillTimeMs: 1000,
	})

	// the one-time burst should absorb a request far larger than Size.
	if !b.Allow(50) {
		t.Fatal("expected the one-time burst to cover a 50-unit request")
	}
	// one-time burst is spent; a second large request must now be judged
	// by the steady-state bucket alone and should be refused immediately.
	if b.Allow(50) {
		t.Fatal("expected the steady-state bucket to refuse a burst-sized request after the one-time burst is spent")
	}
}

func TestNilBucketAllowsEverything(t *testing.T) {
	var b *Bucket
	if !b.Allow(1 << 20) {
		t.Fatal("a nil *Bucket must behave as unlimited")
	}
}

func TestPairAllowBytesRespectsBandwidthBucket(t *testing.T) {
	cfg := &config.RateLimiterConfig{
		Bandwidth: &config.TokenBucketParams{Size: 1, RefillTimeMs: 1000},
	}
	p := NewPair(cfg)
	if !p.AllowBytes(1) {
		t.Fatal("expected the first byte within the bucket size to be allowed")
	}
	if p.AllowBytes(1000) {
		t.Fatal("expected a request far exceeding the bucket size to be refused")
	}
}
