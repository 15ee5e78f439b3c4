package dividend

import (
	"fmt"
	"math/big"
	"sort"

	"escrowflow/ledger"
)

// Allocation is one user's share of the pool.
type Allocation struct {
	UserID string
	Score  int64
	Amount int64
}

// Allocate splits pool by score: each user gets floor(score*pool/total).
// Allocations come back ordered by user id, including zero amounts; the
// floor remainder is returned as undistributed.
func Allocate(pool int64, scores []ledger.ContributionScore) ([]Allocation, int64, error) {
	if pool < 0 {
		return nil, 0, ledger.ErrNegativeAmount
	}
	total := new(big.Int)
	for _, s := range scores {
		if s.Score < 0 {
			return nil, 0, fmt.Errorf("dividend: negative score for %s", s.UserID)
		}
		total.Add(total, big.NewInt(s.Score))
	}
	if pool == 0 || total.Sign() == 0 {
		return nil, pool, nil
	}

	sorted := append([]ledger.ContributionScore(nil), scores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })

	out := make([]Allocation, 0, len(sorted))
	var paid int64
	bigPool := big.NewInt(pool)
	for _, s := range sorted {
		share := new(big.Int).Mul(big.NewInt(s.Score), bigPool)
		share.Quo(share, total)
		amount := share.Int64()
		out = append(out, Allocation{UserID: s.UserID, Score: s.Score, Amount: amount})
		paid += amount
	}
	return out, pool - paid, nil
}
