package rotation

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"math/big"

	"dynamix/internal/plex"
)

// SelectionResult reports a single library's pin decision.
type SelectionResult struct {
	Selected []plex.Collection

	// InsufficientQuota means fewer eligible collections than the quota.
	// No selection is made; the caller is expected to reset the cooldown
	// map and retry.
	InsufficientQuota bool

	EligibleCount int
}

// Select filters collections to the eligible set (enough items, not on
// cooldown, not exempt) and draws quota distinct members uniformly at
// random without replacement.
//
// rnd is the entropy source; pass crypto/rand.Reader in production. A
// cryptographically strong source is deliberate: rotation must not be
// predictable by users probing the service.
func Select(
	collections []plex.Collection,
	quota, minItems int,
	exclusions map[string]string,
	exemptions map[string]struct{},
	rnd io.Reader,
) (SelectionResult, error) {
	if rnd == nil {
		rnd = crand.Reader
	}

	eligible := make([]plex.Collection, 0, len(collections))
	for _, c := range collections {
		if c.ItemCount < minItems {
			continue
		}
		if _, onCooldown := exclusions[c.Title]; onCooldown {
			continue
		}
		if _, exempt := exemptions[c.Title]; exempt {
			continue
		}
		eligible = append(eligible, c)
	}

	res := SelectionResult{EligibleCount: len(eligible)}
	if len(eligible) < quota {
		res.InsufficientQuota = true
		return res, nil
	}
	if quota <= 0 {
		return res, nil
	}

	// Partial Fisher-Yates over a copy: each draw removes the chosen
	// element from the pool, so results are distinct by construction.
	pool := make([]plex.Collection, len(eligible))
	copy(pool, eligible)
	picked := make([]plex.Collection, 0, quota)
	for i := 0; i < quota; i++ {
		j, err := randIntn(rnd, len(pool))
		if err != nil {
			return SelectionResult{}, fmt.Errorf("selection randomness: %w", err)
		}
		picked = append(picked, pool[j])
		pool[j] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}
	res.Selected = picked
	return res, nil
}

func randIntn(rnd io.Reader, n int) (int, error) {
	v, err := crand.Int(rnd, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
