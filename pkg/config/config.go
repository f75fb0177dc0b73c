package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"treasury/pkg/models"
)

// Duration wraps time.Duration so TOML files can say "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config carries every threshold and duration the engine consults.
type Config struct {
	Lifecycle      LifecycleConfig                        `toml:"lifecycle"`
	Classification ClassificationConfig                   `toml:"classification"`
	UTXO           UTXOConfig                             `toml:"utxo"`
	Compliance     ComplianceConfig                       `toml:"compliance"`
	Policies       map[models.PolicyClass]PolicyTemplate `toml:"policies"`
}

type LifecycleConfig struct {
	MaxPendingProposals  int      `toml:"max_pending_proposals"`
	MaxRetainedProposals int      `toml:"max_retained_proposals"`
	ProposalTTL          Duration `toml:"proposal_ttl"`
	MinTimeLock          Duration `toml:"min_time_lock"`
	MaxTimeLock          Duration `toml:"max_time_lock"`
	EmergencyMaxDuration Duration `toml:"emergency_max_duration"`
	SignerTimeout        Duration `toml:"signer_timeout"`
}

type ClassificationConfig struct {
	EmergencyUrgency   int   `toml:"emergency_urgency"`
	HighValueThreshold int64 `toml:"high_value_threshold"`
}

type UTXOConfig struct {
	MinConfirmations int    `toml:"min_confirmations"`
	Strategy         string `toml:"strategy"`
	RandomSeed       int64  `toml:"random_seed"`
	FeeOverhead      int64  `toml:"fee_overhead"`
	InputWeight      int64  `toml:"input_weight"`
	OutputWeight     int64  `toml:"output_weight"`
	DustFloor        int64  `toml:"dust_floor"`
	DefaultFeeRate   int64  `toml:"default_fee_rate"`
}

type ComplianceConfig struct {
	AMLHighRisk        int      `toml:"aml_high_risk"`
	MediumThreshold    int      `toml:"medium_threshold"`
	HighThreshold      int      `toml:"high_threshold"`
	HighValueThreshold int64    `toml:"high_value_threshold"`
	ProfileValidity    Duration `toml:"profile_validity"`
}

// PolicyTemplate seeds the policy of one class on vault creation.
type PolicyTemplate struct {
	MaxAmountPerTx        int64    `toml:"max_amount_per_tx"`
	DailyLimit            int64    `toml:"daily_limit"`
	WeeklyLimit           int64    `toml:"weekly_limit"`
	MonthlyLimit          int64    `toml:"monthly_limit"`
	RequiredApprovals     int      `toml:"required_approvals"`
	TimeLock              Duration `toml:"time_lock"`
	RequireCompliance     bool     `toml:"require_compliance"`
	RequireRiskAssessment bool     `toml:"require_risk_assessment"`
}

func (t PolicyTemplate) Policy(class models.PolicyClass) models.SpendingPolicy {
	return models.SpendingPolicy{
		Class:                 class,
		MaxAmountPerTx:        t.MaxAmountPerTx,
		DailyLimit:            t.DailyLimit,
		WeeklyLimit:           t.WeeklyLimit,
		MonthlyLimit:          t.MonthlyLimit,
		RequiredApprovals:     t.RequiredApprovals,
		TimeLockSec:           int64(t.TimeLock.Seconds()),
		RequireCompliance:     t.RequireCompliance,
		RequireRiskAssessment: t.RequireRiskAssessment,
	}
}

const unit = int64(100_000_000)

func Default() Config {
	return Config{
		Lifecycle: LifecycleConfig{
			MaxPendingProposals:  50,
			MaxRetainedProposals: 500,
			ProposalTTL:          Duration{7 * 24 * time.Hour},
			MinTimeLock:          Duration{time.Hour},
			MaxTimeLock:          Duration{30 * 24 * time.Hour},
			EmergencyMaxDuration: Duration{72 * time.Hour},
			SignerTimeout:        Duration{6 * time.Hour},
		},
		Classification: ClassificationConfig{
			EmergencyUrgency:   8,
			HighValueThreshold: 10 * unit,
		},
		UTXO: UTXOConfig{
			MinConfirmations: 3,
			Strategy:         "largest_first",
			FeeOverhead:      11,
			InputWeight:      68,
			OutputWeight:     31,
			DustFloor:        546,
			DefaultFeeRate:   10,
		},
		Compliance: ComplianceConfig{
			AMLHighRisk:        70,
			MediumThreshold:    25,
			HighThreshold:      75,
			HighValueThreshold: 10 * unit,
			ProfileValidity:    Duration{365 * 24 * time.Hour},
		},
		Policies: map[models.PolicyClass]PolicyTemplate{
			models.PolicyStandard: {
				MaxAmountPerTx:    10 * unit,
				DailyLimit:        25 * unit,
				WeeklyLimit:       100 * unit,
				MonthlyLimit:      250 * unit,
				RequiredApprovals: 2,
				TimeLock:          Duration{24 * time.Hour},
			},
			models.PolicyComplianceRequired: {
				MaxAmountPerTx:        10 * unit,
				DailyLimit:            25 * unit,
				WeeklyLimit:           100 * unit,
				MonthlyLimit:          250 * unit,
				RequiredApprovals:     2,
				TimeLock:              Duration{48 * time.Hour},
				RequireCompliance:     true,
				RequireRiskAssessment: true,
			},
			models.PolicyHighValue: {
				MaxAmountPerTx:        100 * unit,
				DailyLimit:            100 * unit,
				WeeklyLimit:           300 * unit,
				MonthlyLimit:          1000 * unit,
				RequiredApprovals:     3,
				TimeLock:              Duration{72 * time.Hour},
				RequireCompliance:     true,
				RequireRiskAssessment: true,
			},
			models.PolicyEmergency: {
				MaxAmountPerTx:    5 * unit,
				DailyLimit:        10 * unit,
				RequiredApprovals: 3,
				TimeLock:          Duration{0},
			},
		},
	}
}

// Load reads a TOML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides the most commonly tuned knobs from TREASURY_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v, ok := envInt(getenv, "TREASURY_MAX_PENDING_PROPOSALS"); ok {
		c.Lifecycle.MaxPendingProposals = v
	}
	if v, ok := envDuration(getenv, "TREASURY_PROPOSAL_TTL"); ok {
		c.Lifecycle.ProposalTTL = Duration{v}
	}
	if v, ok := envDuration(getenv, "TREASURY_SIGNER_TIMEOUT"); ok {
		c.Lifecycle.SignerTimeout = Duration{v}
	}
	if v, ok := envInt(getenv, "TREASURY_MIN_CONFIRMATIONS"); ok {
		c.UTXO.MinConfirmations = v
	}
	if v := strings.TrimSpace(getenv("TREASURY_UTXO_STRATEGY")); v != "" {
		c.UTXO.Strategy = v
	}
	if v, ok := envInt(getenv, "TREASURY_DEFAULT_FEE_RATE"); ok {
		c.UTXO.DefaultFeeRate = int64(v)
	}
	if v, ok := envInt(getenv, "TREASURY_EMERGENCY_URGENCY"); ok {
		c.Classification.EmergencyUrgency = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Lifecycle.MaxPendingProposals <= 0 {
		errs = append(errs, errors.New("lifecycle.max_pending_proposals must be positive"))
	}
	if c.Lifecycle.ProposalTTL.Duration <= 0 {
		errs = append(errs, errors.New("lifecycle.proposal_ttl must be positive"))
	}
	if c.Lifecycle.SignerTimeout.Duration <= 0 {
		errs = append(errs, errors.New("lifecycle.signer_timeout must be positive"))
	}
	if c.Lifecycle.MinTimeLock.Duration < 0 || c.Lifecycle.MaxTimeLock.Duration < c.Lifecycle.MinTimeLock.Duration {
		errs = append(errs, errors.New("lifecycle time lock bounds are inverted"))
	}
	if c.Classification.EmergencyUrgency < 0 || c.Classification.EmergencyUrgency > 10 {
		errs = append(errs, errors.New("classification.emergency_urgency must be within 0..10"))
	}
	switch c.UTXO.Strategy {
	case "largest_first", "smallest_first", "random":
	default:
		errs = append(errs, fmt.Errorf("utxo.strategy %q unsupported", c.UTXO.Strategy))
	}
	if c.UTXO.MinConfirmations < 0 || c.UTXO.DustFloor < 0 || c.UTXO.DefaultFeeRate < 0 {
		errs = append(errs, errors.New("utxo settings must not be negative"))
	}
	if c.Compliance.MediumThreshold > c.Compliance.HighThreshold {
		errs = append(errs, errors.New("compliance.medium_threshold exceeds high_threshold"))
	}
	for _, class := range models.PolicyClasses {
		if _, ok := c.Policies[class]; !ok {
			errs = append(errs, fmt.Errorf("policies.%s missing", class))
		}
	}
	return errors.Join(errs...)
}

func envInt(getenv func(string) string, key string) (int, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(getenv func(string) string, key string) (time.Duration, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
