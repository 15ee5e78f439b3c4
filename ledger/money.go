package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

// BpsDenominator is the fixed denominator for basis-point rates.
const BpsDenominator = 10_000

var (
	// ErrNegativeAmount is returned when a money value is below zero.
	ErrNegativeAmount = errors.New("ledger: negative amount")
	// ErrAmountInvariant signals total != slice + fee or pool > fee.
	ErrAmountInvariant = errors.New("ledger: amount invariant violated")
	// ErrInvalidSplit signals a split that does not sum to 100.
	ErrInvalidSplit = errors.New("ledger: split must sum to 100")
	// ErrOverflow signals a money product that does not fit in int64.
	ErrOverflow = errors.New("ledger: amount overflow")
)

// FeeSchedule expresses the platform commission and the community share of
// that commission in basis points.
type FeeSchedule struct {
	PlatformFeeBps    int64 `yaml:"platform_fee_bps"`
	CommunityShareBps int64 `yaml:"community_share_bps"`
}

// DefaultFeeSchedule charges 15% and reserves 30% of the fee (3% of price) for
// the community pool.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{PlatformFeeBps: 1500, CommunityShareBps: 3000}
}

// Validate checks that both rates are within [0, 10000].
func (f FeeSchedule) Validate() error {
	if f.PlatformFeeBps < 0 || f.PlatformFeeBps > BpsDenominator {
		return fmt.Errorf("ledger: platform fee bps out of range: %d", f.PlatformFeeBps)
	}
	if f.CommunityShareBps < 0 || f.CommunityShareBps > BpsDenominator {
		return fmt.Errorf("ledger: community share bps out of range: %d", f.CommunityShareBps)
	}
	return nil
}

// Amounts is the money breakdown for one escrow.
type Amounts struct {
	SliceAmount         int64
	PlatformFee         int64
	CommunityRewardPool int64
	TotalAmount         int64
}

// Validate enforces total == slice + fee and 0 <= pool <= fee.
func (a Amounts) Validate() error {
	if a.SliceAmount < 0 || a.PlatformFee < 0 || a.CommunityRewardPool < 0 || a.TotalAmount < 0 {
		return ErrNegativeAmount
	}
	if a.TotalAmount != a.SliceAmount+a.PlatformFee {
		return fmt.Errorf("%w: total %d != slice %d + fee %d", ErrAmountInvariant, a.TotalAmount, a.SliceAmount, a.PlatformFee)
	}
	if a.CommunityRewardPool > a.PlatformFee {
		return fmt.Errorf("%w: pool %d > fee %d", ErrAmountInvariant, a.CommunityRewardPool, a.PlatformFee)
	}
	return nil
}

// Compute derives the escrow amounts for a slice price. Every division
// floors: the fee floors in the client's favour and the community pool floors
// so it can never exceed the fee.
func (f FeeSchedule) Compute(price int64) (Amounts, error) {
	if price < 0 {
		return Amounts{}, ErrNegativeAmount
	}
	if err := f.Validate(); err != nil {
		return Amounts{}, err
	}
	fee, err := MulDivFloor(price, f.PlatformFeeBps, BpsDenominator)
	if err != nil {
		return Amounts{}, err
	}
	pool, err := MulDivFloor(fee, f.CommunityShareBps, BpsDenominator)
	if err != nil {
		return Amounts{}, err
	}
	if price > maxInt64-fee {
		return Amounts{}, ErrOverflow
	}
	out := Amounts{
		SliceAmount:         price,
		PlatformFee:         fee,
		CommunityRewardPool: pool,
		TotalAmount:         price + fee,
	}
	return out, out.Validate()
}

const maxInt64 = int64(^uint64(0) >> 1)

// MulDivFloor returns floor(a*b/d) for non-negative operands without
// intermediate overflow.
func MulDivFloor(a, b, d int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegativeAmount
	}
	if d <= 0 {
		return 0, fmt.Errorf("ledger: non-positive divisor %d", d)
	}
	product := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	product.Quo(product, big.NewInt(d))
	if !product.IsInt64() {
		return 0, ErrOverflow
	}
	return product.Int64(), nil
}

// Split is a provider/client percentage pair.
type Split struct {
	Provider int `json:"provider"`
	Client   int `json:"client"`
}

// Validate checks both sides are within [0,100] and sum to 100.
func (s Split) Validate() error {
	if s.Provider < 0 || s.Client < 0 || s.Provider+s.Client != 100 {
		return fmt.Errorf("%w: provider=%d client=%d", ErrInvalidSplit, s.Provider, s.Client)
	}
	return nil
}

// Settlement is the outcome of applying a split to a slice amount.
type Settlement struct {
	ProviderAmount     int64
	ClientRefundAmount int64
}

// Apply computes the settlement for sliceAmount. The client share floors and
// the remainder goes to the provider, so the two parts always sum to
// sliceAmount.
func (s Split) Apply(sliceAmount int64) (Settlement, error) {
	if err := s.Validate(); err != nil {
		return Settlement{}, err
	}
	refund, err := MulDivFloor(sliceAmount, int64(s.Client), 100)
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{
		ProviderAmount:     sliceAmount - refund,
		ClientRefundAmount: refund,
	}, nil
}
