package ledger

import (
	"errors"
	"testing"
)

func TestFeeScheduleCompute_Example(t *testing.T) {
	amounts, err := DefaultFeeSchedule().Compute(10_000)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if amounts.PlatformFee != 1_500 {
		t.Fatalf("expected fee 1500, got %d", amounts.PlatformFee)
	}
	if amounts.CommunityRewardPool != 450 {
		t.Fatalf("expected community pool 450, got %d", amounts.CommunityRewardPool)
	}
	if amounts.TotalAmount != 11_500 {
		t.Fatalf("expected total 11500, got %d", amounts.TotalAmount)
	}
}

func TestFeeScheduleCompute_InvariantsHoldForAwkwardPrices(t *testing.T) {
	fees := FeeSchedule{PlatformFeeBps: 1337, CommunityShareBps: 9999}
	for _, price := range []int64{0, 1, 7, 99, 101, 12_345, 999_999_999} {
		amounts, err := fees.Compute(price)
		if err != nil {
			t.Fatalf("price %d: %v", price, err)
		}
		if amounts.TotalAmount != amounts.SliceAmount+amounts.PlatformFee {
			t.Fatalf("price %d: total mismatch %+v", price, amounts)
		}
		if amounts.CommunityRewardPool > amounts.PlatformFee {
			t.Fatalf("price %d: pool exceeds fee %+v", price, amounts)
		}
	}
}

func TestFeeScheduleCompute_RejectsNegative(t *testing.T) {
	if _, err := DefaultFeeSchedule().Compute(-1); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestFeeScheduleValidate(t *testing.T) {
	if err := (FeeSchedule{PlatformFeeBps: 10_001}).Validate(); err == nil {
		t.Fatal("expected out of range platform fee to fail")
	}
	if err := (FeeSchedule{CommunityShareBps: -1}).Validate(); err == nil {
		t.Fatal("expected negative community share to fail")
	}
}

func TestSplitApply(t *testing.T) {
	got, err := Split{Provider: 80, Client: 20}.Apply(10_000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.ProviderAmount != 8_000 || got.ClientRefundAmount != 2_000 {
		t.Fatalf("unexpected settlement %+v", got)
	}
}

func TestSplitApply_RemainderGoesToProvider(t *testing.T) {
	got, err := Split{Provider: 67, Client: 33}.Apply(1_001)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// floor(1001*33/100) = 330
	if got.ClientRefundAmount != 330 {
		t.Fatalf("expected client 330, got %d", got.ClientRefundAmount)
	}
	if got.ProviderAmount != 671 {
		t.Fatalf("expected provider 671, got %d", got.ProviderAmount)
	}
	if got.ProviderAmount+got.ClientRefundAmount != 1_001 {
		t.Fatal("settlement does not sum to slice amount")
	}
}

func TestSplitValidate(t *testing.T) {
	if err := (Split{Provider: 70, Client: 20}).Validate(); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
}

func TestMulDivFloor_Overflow(t *testing.T) {
	if _, err := MulDivFloor(maxInt64, 3, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	got, err := MulDivFloor(maxInt64, 3, 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != maxInt64 {
		t.Fatalf("expected max int64, got %d", got)
	}
}

func TestEscrowPaymentCheckAmounts(t *testing.T) {
	e := EscrowPayment{TotalAmount: 11_500, SliceAmount: 10_000, PlatformFee: 1_500, CommunityRewardPool: 450}
	if err := e.CheckAmounts(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	e.CommunityRewardPool = 1_501
	if err := e.CheckAmounts(); !errors.Is(err, ErrAmountInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}
