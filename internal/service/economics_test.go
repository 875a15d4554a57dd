package service

import (
	"errors"
	"reflect"
	"testing"

	"github.com/iliyamo/pi-funnel/internal/model"
)

func TestComputeEconomics_ExampleFunnel(t *testing.T) {
	t.Parallel()

	raw := `{"stage1Players":25,"entryFee":0.15,"branching":5,"stages":5,
		"tiers":[[1,1,1000],[2,2,500],[3,3,250],[4,4,100],[5,5,50],[6,10,20],[10,20,10]]}`
	cfg, err := ParseFunnelConfig([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res := ComputeEconomics(cfg)
	if !res.Valid {
		t.Fatalf("expected valid result, got errors %v", res.Errors)
	}
	if want := []int64{625, 125, 25, 5, 1}; !reflect.DeepEqual(res.RoomsPerStage, want) {
		t.Fatalf("expected rooms %v, got %v", want, res.RoomsPerStage)
	}
	if !res.TotalRevenue.Equal(dec("2343.75")) {
		t.Fatalf("expected revenue 2343.75, got %s", res.TotalRevenue)
	}
	// 1000+500+250+100+50 + 5*20 + 11*10, rank 10 paid by both of the last tiers
	if !res.TotalPayout.Equal(dec("2110")) {
		t.Fatalf("expected payout 2110, got %s", res.TotalPayout)
	}
	if !res.Profit.Equal(dec("233.75")) {
		t.Fatalf("expected profit 233.75, got %s", res.Profit)
	}
	for i := 1; i < len(res.RevenuePerStage); i++ {
		if !res.RevenuePerStage[i].IsZero() {
			t.Fatalf("expected zero revenue in stage %d, got %s", i+1, res.RevenuePerStage[i])
		}
	}
	if !reflect.DeepEqual(res.OverlappingRanks, []int{10}) {
		t.Fatalf("expected overlap at rank 10, got %v", res.OverlappingRanks)
	}
}

func TestComputeEconomics_SingleRoom(t *testing.T) {
	t.Parallel()

	res := ComputeEconomics(model.FunnelConfig{StageCount: 1, BranchingFactor: 5, RoomCapacity: 25, EntryFee: dec("0.15")})
	if !res.Valid {
		t.Fatalf("expected valid, got %v", res.Errors)
	}
	if !res.TotalRevenue.Equal(dec("3.75")) {
		t.Fatalf("expected revenue 3.75, got %s", res.TotalRevenue)
	}
	if !res.Profit.Equal(dec("3.75")) {
		t.Fatalf("expected profit 3.75 without tiers, got %s", res.Profit)
	}
}

func TestComputeEconomics_Invalid(t *testing.T) {
	t.Parallel()

	base := testFunnel()
	tests := []struct {
		name   string
		mutate func(*model.FunnelConfig)
	}{
		{"negative fee", func(c *model.FunnelConfig) { c.EntryFee = dec("-0.01") }},
		{"zero capacity", func(c *model.FunnelConfig) { c.RoomCapacity = 0 }},
		{"zero branching", func(c *model.FunnelConfig) { c.BranchingFactor = 0 }},
		{"zero stages", func(c *model.FunnelConfig) { c.StageCount = 0 }},
		{"inverted tier", func(c *model.FunnelConfig) { c.PayoutTiers = []model.PayoutTier{{MinRank: 5, MaxRank: 2, Amount: dec("1")}} }},
		{"rank zero tier", func(c *model.FunnelConfig) { c.PayoutTiers = []model.PayoutTier{{MinRank: 0, MaxRank: 2, Amount: dec("1")}} }},
		{"negative tier amount", func(c *model.FunnelConfig) { c.PayoutTiers = []model.PayoutTier{{MinRank: 1, MaxRank: 2, Amount: dec("-1")}} }},
		{"overflowing funnel", func(c *model.FunnelConfig) { c.BranchingFactor = 1000; c.StageCount = 10 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.PayoutTiers = append([]model.PayoutTier(nil), base.PayoutTiers...)
			tt.mutate(&cfg)
			res := ComputeEconomics(cfg)
			if res.Valid {
				t.Fatalf("expected invalid result")
			}
			if len(res.Errors) == 0 {
				t.Fatalf("expected at least one error message")
			}
		})
	}
}

func TestParseFunnelConfig_Forms(t *testing.T) {
	t.Parallel()

	canonical := `{"stageCount":2,"branchingFactor":3,"roomCapacity":10,"entryFee":"1.5",
		"payoutTiers":[{"minRank":1,"maxRank":3,"amount":"2"}]}`
	snake := `{"stage_count":2,"branching_factor":3,"room_capacity":10,"entry_fee":1.5,
		"payout_tiers":[{"min_rank":1,"max_rank":3,"amount":2}]}`
	for name, raw := range map[string]string{"canonical": canonical, "snake": snake} {
		cfg, err := ParseFunnelConfig([]byte(raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if cfg.StageCount != 2 || cfg.BranchingFactor != 3 || cfg.RoomCapacity != 10 || !cfg.EntryFee.Equal(dec("1.5")) {
			t.Fatalf("%s: unexpected config %+v", name, cfg)
		}
		if len(cfg.PayoutTiers) != 1 || cfg.PayoutTiers[0].MaxRank != 3 || !cfg.PayoutTiers[0].Amount.Equal(dec("2")) {
			t.Fatalf("%s: unexpected tiers %+v", name, cfg.PayoutTiers)
		}
	}

	if _, err := ParseFunnelConfig([]byte(`{"stages":2,"bogus":1}`)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown key, got %v", err)
	}
	if _, err := ParseFunnelConfig([]byte(`{"tiers":[[1,2]]}`)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for short tier, got %v", err)
	}
}

func TestFunnelConfig_TiersForRank(t *testing.T) {
	t.Parallel()

	cfg := testFunnel()
	if got := cfg.TiersForRank(10); !reflect.DeepEqual(got, []int{5, 6}) {
		t.Fatalf("expected rank 10 in tiers [5 6], got %v", got)
	}
	if got := cfg.TiersForRank(21); len(got) != 0 {
		t.Fatalf("expected rank 21 unpaid, got %v", got)
	}
}
