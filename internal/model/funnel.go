package model

import "github.com/shopspring/decimal"

// PayoutTier maps an inclusive range of final ranks to a fixed prize
// paid to every entrant whose rank falls inside the range.  Tiers may
// overlap; a rank covered by two tiers is paid by both.
type PayoutTier struct {
	MinRank int             `json:"min_rank"`
	MaxRank int             `json:"max_rank"`
	Amount  decimal.Decimal `json:"amount"`
}

// Contains reports whether rank falls inside the tier.
func (t PayoutTier) Contains(rank int) bool {
	return rank >= t.MinRank && rank <= t.MaxRank
}

// Winners is the number of ranks the tier covers.
func (t PayoutTier) Winners() int {
	if t.MaxRank < t.MinRank {
		return 0
	}
	return t.MaxRank - t.MinRank + 1
}

// FunnelConfig describes the financial and structural shape of a
// funnel.  It is immutable once the funnel is live.
//
// Fields:
//  StageCount      – number of stages; the last one pays out.
//  BranchingFactor – entrants advancing from each room.
//  RoomCapacity    – seats per room.
//  EntryFee        – Pi paid per Stage-1 seat.
//  PayoutTiers     – final-stage prize table.
type FunnelConfig struct {
	StageCount      int             `json:"stage_count"`
	BranchingFactor int             `json:"branching_factor"`
	RoomCapacity    int             `json:"room_capacity"`
	EntryFee        decimal.Decimal `json:"entry_fee"`
	PayoutTiers     []PayoutTier    `json:"payout_tiers"`
}

// IsFinalStage reports whether rooms of the given stage pay out
// instead of issuing tickets.
func (c FunnelConfig) IsFinalStage(stage int) bool {
	return stage >= c.StageCount
}

// TiersForRank returns the indexes of every tier containing rank, in
// declaration order.
func (c FunnelConfig) TiersForRank(rank int) []int {
	var idx []int
	for i, t := range c.PayoutTiers {
		if t.Contains(rank) {
			idx = append(idx, i)
		}
	}
	return idx
}
