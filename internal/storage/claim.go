package storage

import "time"

// GraceExtension returns the expiry and ttl a claimed message must carry
// so that it outlives claimExpires by at least opts.Grace. ok is false when
// the message already lives long enough and must be left untouched.
func GraceExtension(msgExpires time.Time, claimExpires time.Time, opts ClaimOptions) (expires time.Time, ttl time.Duration, ok bool) {
	floor := claimExpires.Add(opts.Grace)
	if !msgExpires.Before(floor) {
		return msgExpires, 0, false
	}
	return floor, opts.TTL + opts.Grace, true
}

// ClaimAge is the time elapsed since the claim was last stamped.
func ClaimAge(now, claimExpires time.Time, claimTTL time.Duration) time.Duration {
	age := now.Sub(claimExpires.Add(-claimTTL))
	if age < 0 {
		return 0
	}
	return age
}
