package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// EconomicsResult is the financial shape of a funnel.  Revenue is only
// collected in stage 1; later stages are entered with tickets.
type EconomicsResult struct {
	Valid            bool              `json:"valid"`
	Errors           []string          `json:"errors,omitempty"`
	RoomsPerStage    []int64           `json:"roomsPerStage"`
	RevenuePerStage  []decimal.Decimal `json:"revenuePerStage"`
	TotalRevenue     decimal.Decimal   `json:"totalRevenue"`
	TotalPayout      decimal.Decimal   `json:"totalPayout"`
	Profit           decimal.Decimal   `json:"profit"`
	OverlappingRanks []int             `json:"overlappingRanks,omitempty"`
}

// ComputeEconomics validates cfg and computes room counts, revenue,
// payout and profit.  Overlapping tiers are summed: a rank inside two
// tiers is paid by both, and OverlappingRanks lists every such rank.
// An invalid config yields Valid=false with the reasons in Errors.
func ComputeEconomics(cfg model.FunnelConfig) EconomicsResult {
	res := EconomicsResult{
		TotalRevenue: decimal.Zero,
		TotalPayout:  decimal.Zero,
		Profit:       decimal.Zero,
	}
	if cfg.EntryFee.IsNegative() {
		res.Errors = append(res.Errors, "entry fee must not be negative")
	}
	if cfg.RoomCapacity <= 0 {
		res.Errors = append(res.Errors, "room capacity must be positive")
	}
	if cfg.BranchingFactor < 1 {
		res.Errors = append(res.Errors, "branching factor must be at least 1")
	}
	if cfg.StageCount < 1 {
		res.Errors = append(res.Errors, "stage count must be at least 1")
	}
	for i, t := range cfg.PayoutTiers {
		if t.MinRank < 1 {
			res.Errors = append(res.Errors, fmt.Sprintf("tier %d: min rank must be at least 1", i+1))
		}
		if t.MaxRank < t.MinRank {
			res.Errors = append(res.Errors, fmt.Sprintf("tier %d: max rank below min rank", i+1))
		}
		if t.Amount.IsNegative() {
			res.Errors = append(res.Errors, fmt.Sprintf("tier %d: amount must not be negative", i+1))
		}
	}
	if len(res.Errors) > 0 {
		return res
	}

	rooms := make([]int64, cfg.StageCount)
	for i := range rooms {
		n, ok := powInt64(int64(cfg.BranchingFactor), cfg.StageCount-i-1)
		if !ok {
			res.Errors = append(res.Errors, "funnel too large: room count overflows")
			return res
		}
		rooms[i] = n
	}
	revenue := make([]decimal.Decimal, cfg.StageCount)
	for i := range revenue {
		revenue[i] = decimal.Zero
	}
	revenue[0] = decimal.NewFromInt(rooms[0]).
		Mul(decimal.NewFromInt(int64(cfg.RoomCapacity))).
		Mul(cfg.EntryFee)

	payout := decimal.Zero
	for _, t := range cfg.PayoutTiers {
		payout = payout.Add(decimal.NewFromInt(int64(t.Winners())).Mul(t.Amount))
	}
	res.OverlappingRanks = overlappingRanks(cfg.PayoutTiers)

	res.Valid = true
	res.RoomsPerStage = rooms
	res.RevenuePerStage = revenue
	res.TotalRevenue = revenue[0]
	res.TotalPayout = payout
	res.Profit = revenue[0].Sub(payout)
	return res
}

// maxOverlapReport bounds the ranks listed in OverlappingRanks.
const maxOverlapReport = 1000

// overlappingRanks sweeps the tier boundaries and returns every rank
// covered by more than one tier.
func overlappingRanks(tiers []model.PayoutTier) []int {
	type edge struct{ at, delta int }
	edges := make([]edge, 0, 2*len(tiers))
	for _, t := range tiers {
		edges = append(edges, edge{t.MinRank, 1}, edge{t.MaxRank + 1, -1})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].at < edges[j].at })
	var out []int
	cover := 0
	for i := 0; i < len(edges); i++ {
		cover += edges[i].delta
		if i+1 == len(edges) || edges[i+1].at == edges[i].at {
			continue
		}
		if cover > 1 {
			for r := edges[i].at; r < edges[i+1].at && len(out) < maxOverlapReport; r++ {
				out = append(out, r)
			}
		}
	}
	return out
}

func powInt64(base int64, exp int) (int64, bool) {
	out := int64(1)
	for i := 0; i < exp; i++ {
		if base != 0 && out > math.MaxInt64/base {
			return 0, false
		}
		out *= base
	}
	return out, true
}

// funnelDoc accepts the canonical camelCase keys, their snake_case
// forms and the shorthand used by operators (stage1Players, branching,
// stages, tiers as [min,max,amount] triples).
type funnelDoc struct {
	StageCount      *int             `json:"stageCount"`
	StageCountSnake *int             `json:"stage_count"`
	Stages          *int             `json:"stages"`
	Branching       *int             `json:"branchingFactor"`
	BranchingSnake  *int             `json:"branching_factor"`
	BranchingShort  *int             `json:"branching"`
	Capacity        *int             `json:"roomCapacity"`
	CapacitySnake   *int             `json:"room_capacity"`
	Stage1Players   *int             `json:"stage1Players"`
	EntryFee        *decimal.Decimal `json:"entryFee"`
	EntryFeeSnake   *decimal.Decimal `json:"entry_fee"`
	Tiers           []tierDoc        `json:"payoutTiers"`
	TiersSnake      []tierDoc        `json:"payout_tiers"`
	TiersShort      []tierDoc        `json:"tiers"`
}

type tierDoc struct{ model.PayoutTier }

func (t *tierDoc) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var parts []decimal.Decimal
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		if len(parts) != 3 || !parts[0].IsInteger() || !parts[1].IsInteger() {
			return fmt.Errorf("tier must be [minRank, maxRank, amount]")
		}
		t.MinRank = int(parts[0].IntPart())
		t.MaxRank = int(parts[1].IntPart())
		t.Amount = parts[2]
		return nil
	}
	var obj struct {
		MinRank      *int             `json:"minRank"`
		MinRankSnake *int             `json:"min_rank"`
		MaxRank      *int             `json:"maxRank"`
		MaxRankSnake *int             `json:"max_rank"`
		Amount       *decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	t.MinRank = firstInt(obj.MinRank, obj.MinRankSnake)
	t.MaxRank = firstInt(obj.MaxRank, obj.MaxRankSnake)
	if obj.Amount != nil {
		t.Amount = *obj.Amount
	}
	return nil
}

// ParseFunnelConfig decodes a funnel config document.  Structural
// validation is left to ComputeEconomics.
func ParseFunnelConfig(raw []byte) (model.FunnelConfig, error) {
	var doc funnelDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return model.FunnelConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := model.FunnelConfig{
		StageCount:      firstInt(doc.StageCount, doc.StageCountSnake, doc.Stages),
		BranchingFactor: firstInt(doc.Branching, doc.BranchingSnake, doc.BranchingShort),
		RoomCapacity:    firstInt(doc.Capacity, doc.CapacitySnake, doc.Stage1Players),
		EntryFee:        decimal.Zero,
	}
	for _, fee := range []*decimal.Decimal{doc.EntryFee, doc.EntryFeeSnake} {
		if fee != nil {
			cfg.EntryFee = *fee
			break
		}
	}
	for _, tiers := range [][]tierDoc{doc.Tiers, doc.TiersSnake, doc.TiersShort} {
		if len(tiers) == 0 {
			continue
		}
		for _, t := range tiers {
			cfg.PayoutTiers = append(cfg.PayoutTiers, t.PayoutTier)
		}
		break
	}
	return cfg, nil
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
