// Package config loads collector settings from the environment.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // business timezone without a system tz database

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"incasso.org/internal/batch"
	"incasso.org/internal/domain"
	"incasso.org/internal/mandate"
	"incasso.org/internal/retry"
	"incasso.org/internal/schedule"
)

// Config holds all collector settings.
type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	SchedulingDays       string        `mapstructure:"SCHEDULING_DAYS"`
	SettlementOffsetDays int           `mapstructure:"SETTLEMENT_OFFSET_DAYS"`
	LookbackWindowDays   int           `mapstructure:"LOOKBACK_WINDOW_DAYS"`
	TriggerSchedule      string        `mapstructure:"TRIGGER_SCHEDULE"`
	ReaperSchedule       string        `mapstructure:"REAPER_SCHEDULE"`
	StaleAfter           time.Duration `mapstructure:"STALE_AFTER"`
	PaymentMethods       string        `mapstructure:"ELIGIBLE_PAYMENT_METHODS"`
	BusinessTimezone     string        `mapstructure:"BUSINESS_TIMEZONE"`
	ReplacementPolicy    string        `mapstructure:"REPLACEMENT_POLICY"`

	ClaimMaxAttempts int           `mapstructure:"CLAIM_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	MandateAgingMonths int `mapstructure:"MANDATE_AGING_MONTHS"`
	MandateDormantDays int `mapstructure:"MANDATE_DORMANT_DAYS"`

	HTTPAddr            string  `mapstructure:"HTTP_ADDR"`
	OperatorTokenSecret string  `mapstructure:"OPERATOR_TOKEN_SECRET"`
	RateLimitRPS        float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int     `mapstructure:"RATE_LIMIT_BURST"`

	RabbitMQURL    string        `mapstructure:"RABBITMQ_URL"`
	EventsExchange string        `mapstructure:"EVENTS_EXCHANGE"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RunLeaseTTL    time.Duration `mapstructure:"RUN_LEASE_TTL"`
}

var keys = []string{
	"DATABASE_URL",
	"SCHEDULING_DAYS", "SETTLEMENT_OFFSET_DAYS", "LOOKBACK_WINDOW_DAYS",
	"TRIGGER_SCHEDULE", "REAPER_SCHEDULE", "STALE_AFTER",
	"ELIGIBLE_PAYMENT_METHODS", "BUSINESS_TIMEZONE", "REPLACEMENT_POLICY",
	"CLAIM_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
	"MANDATE_AGING_MONTHS", "MANDATE_DORMANT_DAYS",
	"HTTP_ADDR", "OPERATOR_TOKEN_SECRET", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RABBITMQ_URL", "EVENTS_EXCHANGE", "REDIS_ADDR", "RUN_LEASE_TTL",
}

// Load reads an optional .env file, then the environment, and validates
// the result.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}

	viper.SetDefault("SCHEDULING_DAYS", "19,20")
	viper.SetDefault("SETTLEMENT_OFFSET_DAYS", 7)
	viper.SetDefault("LOOKBACK_WINDOW_DAYS", 60)
	viper.SetDefault("TRIGGER_SCHEDULE", "0 6 * * *")    // 06:00 every day
	viper.SetDefault("REAPER_SCHEDULE", "*/15 * * * *") // every 15 minutes
	viper.SetDefault("STALE_AFTER", "2h")
	viper.SetDefault("ELIGIBLE_PAYMENT_METHODS", "SEPA Direct Debit")
	viper.SetDefault("BUSINESS_TIMEZONE", "Europe/Amsterdam")
	viper.SetDefault("REPLACEMENT_POLICY", string(mandate.PolicyRestart))
	viper.SetDefault("CLAIM_MAX_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BASE_DELAY", "1s")
	viper.SetDefault("RETRY_MAX_DELAY", "60s")
	viper.SetDefault("MANDATE_AGING_MONTHS", 30)
	viper.SetDefault("MANDATE_DORMANT_DAYS", 365)
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("RATE_LIMIT_RPS", 10)
	viper.SetDefault("RATE_LIMIT_BURST", 20)
	viper.SetDefault("EVENTS_EXCHANGE", "incasso.events")
	viper.SetDefault("RUN_LEASE_TTL", "10m")
	viper.AutomaticEnv()

	// Bind explicitly so keys without defaults appear in Unmarshal.
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Days parses SCHEDULING_DAYS ("19,20") into a sorted, de-duplicated list.
func (c *Config) Days() ([]int, error) {
	seen := make(map[int]struct{})
	var out []int
	for _, part := range strings.FieldsFunc(c.SchedulingDays, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "SCHEDULING_DAYS", Reason: fmt.Sprintf("%q is not a day of month", part)}
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

// Methods returns the eligible payment methods.
func (c *Config) Methods() []string {
	var out []string
	for _, m := range strings.Split(c.PaymentMethods, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Validate returns a *domain.ConfigurationError for the first invalid value.
func (c *Config) Validate() error {
	days, err := c.Days()
	if err != nil {
		return err
	}
	if err := c.Scheduling(days).Validate(); err != nil {
		return err
	}
	if c.LookbackWindowDays < 0 {
		return &domain.ConfigurationError{Field: "LOOKBACK_WINDOW_DAYS", Reason: "must not be negative"}
	}
	if len(c.Methods()) == 0 {
		return &domain.ConfigurationError{Field: "ELIGIBLE_PAYMENT_METHODS", Reason: "at least one method is required"}
	}
	if _, err := mandate.ParsePolicy(c.ReplacementPolicy); err != nil {
		return err
	}
	if _, err := schedule.LoadLocation(c.BusinessTimezone); err != nil {
		return err
	}
	if c.StaleAfter <= 0 {
		return &domain.ConfigurationError{Field: "STALE_AFTER", Reason: "must be positive"}
	}
	if c.ClaimMaxAttempts < 1 {
		return &domain.ConfigurationError{Field: "CLAIM_MAX_ATTEMPTS", Reason: "must be at least 1"}
	}
	if c.RetryMaxDelay > 0 && c.RetryBaseDelay > c.RetryMaxDelay {
		return &domain.ConfigurationError{Field: "RETRY_BASE_DELAY", Reason: "exceeds RETRY_MAX_DELAY"}
	}
	return nil
}

// Scheduling returns the trigger settings for days.
func (c *Config) Scheduling(days []int) schedule.Settings {
	return schedule.Settings{Days: days, SettlementOffsetDays: c.SettlementOffsetDays}
}

// Retry returns the backoff policy for claim and usage writes.
func (c *Config) Retry() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.ClaimMaxAttempts
	if c.RetryBaseDelay > 0 {
		p.BaseDelay = c.RetryBaseDelay
	}
	if c.RetryMaxDelay > 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	return p
}

// Batch returns selection and validation settings.
func (c *Config) Batch() batch.Config {
	return batch.Config{
		LookbackDays:   c.LookbackWindowDays,
		PaymentMethods: c.Methods(),
		Claim:          c.Retry(),
		AgingMonths:    c.MandateAgingMonths,
		DormantDays:    c.MandateDormantDays,
	}
}

// Policy returns the parsed replacement policy.
func (c *Config) Policy() mandate.Policy {
	p, err := mandate.ParsePolicy(c.ReplacementPolicy)
	if err != nil {
		return mandate.PolicyRestart
	}
	return p
}

// Location returns the business timezone.
func (c *Config) Location() *time.Location {
	loc, err := schedule.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
