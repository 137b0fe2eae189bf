package pooling

import "github.com/nuetzliches/claimq/internal/storage"

// pickWeighted chooses a pool with probability proportional to its weight.
// r is a uniform sample in [0, 1). Pools with a weight <= 0 are never
// chosen; ok is false when no pool has positive weight.
func pickWeighted(pools []storage.Pool, r float64) (storage.Pool, bool) {
	total := 0
	for _, p := range pools {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	if total == 0 {
		return storage.Pool{}, false
	}

	target := r * float64(total)
	acc := 0
	var last storage.Pool
	for _, p := range pools {
		if p.Weight <= 0 {
			continue
		}
		acc += p.Weight
		last = p
		if target < float64(acc) {
			return p, true
		}
	}
	// r rounding up to 1.
	return last, true
}
