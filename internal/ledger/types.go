package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/obs"
)

// Entry describes one row to record. The sign of the balance change comes
// from Type, never from the caller.
type Entry struct {
	UserID    string
	Type      domain.TxType
	Subtype   string
	Amount    int64
	Hold      bool
	ReleaseOn *time.Time
	OrderID   string
	Metadata  map[string]string
	// IdempotencyKey makes a retried request return the row it wrote first.
	IdempotencyKey string
}

// HoldResult is what OrderHold wrote.
type HoldResult struct {
	Hold       domain.Transaction
	Fee        *domain.Transaction
	Commission *domain.Transaction
}

// TransferResult is what Transfer wrote.
type TransferResult struct {
	Out domain.Transaction
	In  domain.Transaction
	Fee *domain.Transaction
}

// Config holds the money rules of the ledger.
type Config struct {
	FeeRate         decimal.Decimal
	TransferFeeRate decimal.Decimal
	AffiliateShare  decimal.Decimal
	MinimumBalance  int64
	SweepBatch      int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.RequireFromString("0.10"),
		TransferFeeRate: decimal.Zero,
		AffiliateShare:  decimal.RequireFromString("0.90"),
		SweepBatch:      500,
	}
}

// Option configures Service.
type Option func(*Service)

// WithConfig replaces the whole money configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.SweepBatch <= 0 {
			cfg.SweepBatch = DefaultConfig().SweepBatch
		}
		s.cfg = cfg
	}
}

// WithFeeRate overrides the buyer fee rate.
func WithFeeRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.cfg.FeeRate = rate }
}

// WithMinimumBalance sets the floor every debit must leave in place.
func WithMinimumBalance(min int64) Option {
	return func(s *Service) {
		if min >= 0 {
			s.cfg.MinimumBalance = min
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func defaultLogger() logrus.FieldLogger {
	return obs.Logger().WithField("component", "ledger")
}

// roundShare applies rate to amount and rounds half away from zero to whole minor units.
func roundShare(rate decimal.Decimal, amount int64) int64 {
	return rate.Mul(decimal.NewFromInt(amount)).Round(0).IntPart()
}
