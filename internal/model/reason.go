package model

import (
	"fmt"
	"strings"
)

// Reason tags the source of a ledger mutation. The set is closed: every
// value must be handled in Category.
type Reason string

const (
	ReasonStake               Reason = "STAKE"
	ReasonStakeRefund         Reason = "STAKE_REFUND"
	ReasonSettlementPayout    Reason = "SETTLEMENT_PAYOUT"
	ReasonWave1Prize          Reason = "WAVE1_PRIZE"
	ReasonWave2Redistribution Reason = "WAVE2_REDISTRIBUTION"
	ReasonWave3Escrow         Reason = "WAVE3_ESCROW"
	ReasonWave3Incentive      Reason = "WAVE3_INCENTIVE"
	ReasonWave3Refund         Reason = "WAVE3_REFUND"
	ReasonDonationSpend       Reason = "DONATION_SPEND"
	ReasonInvestmentSpend     Reason = "INVESTMENT_SPEND"
	ReasonActivityReward      Reason = "ACTIVITY_REWARD"
	ReasonCompensation        Reason = "COMPENSATION"
)

// AllReasons lists every Reason in declaration order.
var AllReasons = []Reason{
	ReasonStake,
	ReasonStakeRefund,
	ReasonSettlementPayout,
	ReasonWave1Prize,
	ReasonWave2Redistribution,
	ReasonWave3Escrow,
	ReasonWave3Incentive,
	ReasonWave3Refund,
	ReasonDonationSpend,
	ReasonInvestmentSpend,
	ReasonActivityReward,
	ReasonCompensation,
}

// ReasonCategory groups reasons by the subsystem that produces them.
type ReasonCategory string

const (
	CategoryStaking      ReasonCategory = "staking"
	CategorySettlement   ReasonCategory = "settlement"
	CategoryDistribution ReasonCategory = "distribution"
	CategorySpend        ReasonCategory = "spend"
	CategoryEarning      ReasonCategory = "earning"
	CategoryCorrection   ReasonCategory = "correction"
)

// ParseReason accepts any known reason (case-insensitive).
func ParseReason(s string) (Reason, error) {
	r := Reason(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllReasons {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown reason %q", ErrInvalidInput, s)
}

// Category classifies r. It panics on a value outside AllReasons so a new
// reason cannot ship without being placed here.
func (r Reason) Category() ReasonCategory {
	switch r {
	case ReasonStake, ReasonStakeRefund:
		return CategoryStaking
	case ReasonSettlementPayout:
		return CategorySettlement
	case ReasonWave1Prize, ReasonWave2Redistribution,
		ReasonWave3Escrow, ReasonWave3Incentive, ReasonWave3Refund:
		return CategoryDistribution
	case ReasonDonationSpend, ReasonInvestmentSpend:
		return CategorySpend
	case ReasonActivityReward:
		return CategoryEarning
	case ReasonCompensation:
		return CategoryCorrection
	}
	panic(fmt.Sprintf("model: unclassified reason %q", string(r)))
}

// CountsAsActivity reports whether a transaction with this reason reflects
// something the user did, as opposed to a system redistribution.
func (r Reason) CountsAsActivity() bool {
	switch r.Category() {
	case CategoryStaking, CategorySettlement, CategorySpend, CategoryEarning:
		return true
	}
	return false
}
