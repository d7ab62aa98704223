// Package config loads process configuration from MARKET_* environment variables.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"marketcore.org/internal/ledger"
	"marketcore.org/internal/market"
)

const prefix = "MARKET"

// Config is the full runtime configuration.
type Config struct {
	PGDSN      string `envconfig:"PG_DSN"`
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr   string `envconfig:"GRPC_ADDR" default:":9090"`
	AuthSecret string `envconfig:"AUTH_SECRET"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	FeeRate             decimal.Decimal `envconfig:"FEE_RATE" default:"0.10"`
	TransferFeeRate     decimal.Decimal `envconfig:"TRANSFER_FEE_RATE" default:"0"`
	DisputeFeeRate      decimal.Decimal `envconfig:"DISPUTE_FEE_RATE" default:"0.05"`
	AffiliateShare      decimal.Decimal `envconfig:"AFFILIATE_SHARE" default:"0.90"`
	ClearanceDays       int             `envconfig:"CLEARANCE_DAYS" default:"3"`
	MinBalance          int64           `envconfig:"MIN_BALANCE" default:"0"`
	DefaultDeliveryDays int             `envconfig:"DEFAULT_DELIVERY_DAYS" default:"7"`
	SweepBatch          int             `envconfig:"SWEEP_BATCH" default:"500"`
	SweepInterval       time.Duration   `envconfig:"SWEEP_INTERVAL" default:"0s"`

	RateBurst  int     `envconfig:"RATE_BURST" default:"20"`
	RatePerSec float64 `envconfig:"RATE_PER_SEC" default:"10"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the money rules cannot work with.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"FEE_RATE":          c.FeeRate,
		"TRANSFER_FEE_RATE": c.TransferFeeRate,
		"DISPUTE_FEE_RATE":  c.DisputeFeeRate,
		"AFFILIATE_SHARE":   c.AffiliateShare,
	} {
		if rate.IsNegative() || rate.GreaterThan(one) {
			return errors.Errorf("%s_%s must be within [0, 1], got %s", prefix, name, rate)
		}
	}
	if c.ClearanceDays < 0 || c.MinBalance < 0 {
		return errors.Errorf("%s_CLEARANCE_DAYS and %s_MIN_BALANCE must not be negative", prefix, prefix)
	}
	if c.DefaultDeliveryDays <= 0 {
		return errors.Errorf("%s_DEFAULT_DELIVERY_DAYS must be positive", prefix)
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		return errors.Errorf("%s_RATE_PER_SEC and %s_RATE_BURST must be positive", prefix, prefix)
	}
	return nil
}

// Ledger returns the ledger money configuration.
func (c Config) Ledger() ledger.Config {
	return ledger.Config{
		FeeRate:         c.FeeRate,
		TransferFeeRate: c.TransferFeeRate,
		AffiliateShare:  c.AffiliateShare,
		MinimumBalance:  c.MinBalance,
		SweepBatch:      c.SweepBatch,
	}
}

// Market returns the order rules configuration.
func (c Config) Market() market.Config {
	return market.Config{
		Clearance:           time.Duration(c.ClearanceDays) * 24 * time.Hour,
		DisputeFeeRate:      c.DisputeFeeRate,
		DefaultDeliveryDays: c.DefaultDeliveryDays,
	}
}
