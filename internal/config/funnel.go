package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/service"
)

// DefaultFunnelJSON is the launch funnel: 625 stage-1 rooms of 25 seats
// at 0.15 Pi narrowing by 5 per stage to one final room.
const DefaultFunnelJSON = `{
  "stageCount": 5,
  "branchingFactor": 5,
  "roomCapacity": 25,
  "entryFee": "0.15",
  "payoutTiers": [
	{"minRank": 1,  "maxRank": 1,  "amount": "1000"},
	{"minRank": 2,  "maxRank": 2,  "amount": "500"},
	{"minRank": 3,  "maxRank": 3,  "amount": "250"},
	{"minRank": 4,  "maxRank": 4,  "amount": "100"},
	{"minRank": 5,  "maxRank": 5,  "amount": "50"},
	{"minRank": 6,  "maxRank": 10, "amount": "20"},
	{"minRank": 10, "maxRank": 20, "amount": "10"}
  ]
}`

// FunnelSettings holds the funnel shape source and the lifecycle timings.
type FunnelSettings struct {
	ConfigJSON       string        `env:"FUNNEL_CONFIG_JSON"`
	ConfigFile       string        `env:"FUNNEL_CONFIG_FILE"`
	TicketTTL        time.Duration `env:"FUNNEL_TICKET_TTL"         envDefault:"48h"`
	StageInterval    time.Duration `env:"FUNNEL_STAGE_INTERVAL"     envDefault:"24h"`
	PlayWindow       time.Duration `env:"FUNNEL_PLAY_WINDOW"        envDefault:"30m"`
	SeatFillEstimate time.Duration `env:"FUNNEL_SEAT_FILL_ESTIMATE" envDefault:"1m"`
	PaymentTimeout   time.Duration `env:"FUNNEL_PAYMENT_TIMEOUT"    envDefault:"30m"`
}

// SchedulerConfig sets how often each background job runs.
type SchedulerConfig struct {
	Enabled        bool          `env:"SCHEDULER_ENABLED"         envDefault:"true"`
	StartDueEvery  time.Duration `env:"SCHEDULER_START_DUE_EVERY" envDefault:"30s"`
	ResolveEvery   time.Duration `env:"SCHEDULER_RESOLVE_EVERY"   envDefault:"30s"`
	PurgeEvery     time.Duration `env:"SCHEDULER_PURGE_EVERY"     envDefault:"5m"`
	ResumeEvery    time.Duration `env:"SCHEDULER_RESUME_EVERY"    envDefault:"1m"`
	AuditEvery     time.Duration `env:"SCHEDULER_AUDIT_EVERY"     envDefault:"10m"`
}

// PiConfig points at the Pi platform payments API.
type PiConfig struct {
	APIURL string `env:"PI_API_URL" envDefault:"https://api.minepi.com"`
	APIKey string `env:"PI_API_KEY"`
}

// ScoringConfig points at the game service that ranks live rooms.  Live
// rooms are only closed through the admin endpoint when URL is empty.
type ScoringConfig struct {
	URL string `env:"SCORING_URL"`
}

// LoadFunnelSettings parses the FUNNEL_* variables.
func LoadFunnelSettings() (FunnelSettings, error) {
	var s FunnelSettings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// LoadSchedulerConfig parses the SCHEDULER_* variables.
func LoadSchedulerConfig() (SchedulerConfig, error) {
	var s SchedulerConfig
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// LoadPiConfig parses the PI_* variables.
func LoadPiConfig() (PiConfig, error) {
	var c PiConfig
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// LoadScoringConfig parses the SCORING_* variables.
func LoadScoringConfig() (ScoringConfig, error) {
	var c ScoringConfig
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// Funnel resolves the funnel shape: inline JSON first, then the file,
// then the default.  A shape the economics check rejects is an error.
func (s FunnelSettings) Funnel() (model.FunnelConfig, error) {
	raw := strings.TrimSpace(s.ConfigJSON)
	if raw == "" && s.ConfigFile != "" {
		b, err := os.ReadFile(s.ConfigFile)
		if err != nil {
			return model.FunnelConfig{}, fmt.Errorf("read funnel config: %w", err)
		}
		raw = string(b)
	}
	if raw == "" {
		raw = DefaultFunnelJSON
	}
	cfg, err := service.ParseFunnelConfig([]byte(raw))
	if err != nil {
		return cfg, err
	}
	if res := service.ComputeEconomics(cfg); !res.Valid {
		return cfg, fmt.Errorf("%w: %s", service.ErrInvalidConfig, strings.Join(res.Errors, "; "))
	}
	return cfg, nil
}
