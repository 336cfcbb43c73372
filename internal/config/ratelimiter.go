package config

// TokenBucketParams describes a single token bucket: a refill rate and a
// burst capacity, with an optional one-time initial burst. Size is in
// bytes for bandwidth buckets and in operations for ops buckets.
type TokenBucketParams struct {
	Size           uint64
	OneTimeBurst   uint64
	RefillTimeMs   uint64
}

// RateLimiterConfig is the optional pair of buckets (bandwidth, ops) that
// can be attached to a block or network device, per spec.md §3.
type RateLimiterConfig struct {
	Bandwidth *TokenBucketParams
	Ops       *TokenBucketParams
}
