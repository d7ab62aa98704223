// Package market runs the order aggregate: placement, the order state
// machine, mid-order offers, disputes, promotions and seller feedback.
// Money only moves through the ledger, inside the same unit of work as the
// order change that caused it.
package market

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketcore.org/internal/clock"
	"marketcore.org/internal/ledger"
	"marketcore.org/internal/obs"
	"marketcore.org/internal/pricing"
)

// Config holds the order rules that are not money rates of the ledger.
type Config struct {
	// Clearance is how long a seller waits for completed order funds.
	Clearance           time.Duration
	DisputeFeeRate      decimal.Decimal
	DefaultDeliveryDays int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Clearance:           3 * 24 * time.Hour,
		DisputeFeeRate:      decimal.RequireFromString("0.05"),
		DefaultDeliveryDays: 7,
	}
}

// Service is the order aggregate. It is constructed once and shared.
type Service struct {
	store    Store
	ledger   *ledger.Service
	pricing  *pricing.Calculator
	clock    clock.Clock
	notifier Notifier
	cfg      Config
	log      logrus.FieldLogger
}

// Option configures Service.
type Option func(*Service)

// WithConfig replaces the order rules.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.DefaultDeliveryDays <= 0 {
			cfg.DefaultDeliveryDays = DefaultConfig().DefaultDeliveryDays
		}
		s.cfg = cfg
	}
}

// WithNotifier sets where committed events are delivered.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
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

// NewService wires the aggregate to its store and ledger. Both must share
// the same underlying Store so their writes commit together.
func NewService(store Store, led *ledger.Service, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		store:    store,
		ledger:   led,
		pricing:  pricing.NewCalculator(led.Config().FeeRate),
		clock:    clk,
		notifier: nopNotifier{},
		cfg:      DefaultConfig(),
		log:      obs.Logger().WithField("component", "market"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active order rules.
func (s *Service) Config() Config { return s.cfg }

// Ledger exposes the ledger the aggregate books through.
func (s *Service) Ledger() *ledger.Service { return s.ledger }
