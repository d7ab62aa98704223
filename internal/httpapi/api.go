// Package httpapi is the HTTP transport of the marketplace core.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"marketcore.org/internal/audit"
	"marketcore.org/internal/auth"
	"marketcore.org/internal/clock"
	"marketcore.org/internal/domain"
	"marketcore.org/internal/ledger"
	"marketcore.org/internal/market"
	"marketcore.org/internal/obs"
	"marketcore.org/internal/stream"
)

// ReadyProbe reports whether dependencies (the database) are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API exposes.
type Deps struct {
	Market   *market.Service
	Verifier *auth.Verifier
	Hub      *stream.Hub
	Ready    ReadyProbe
	Version  string
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// API is the HTTP layer.
type API struct {
	market   *market.Service
	ledger   *ledger.Service
	verifier *auth.Verifier
	hub      *stream.Hub
	ready    ReadyProbe
	version  string
	clock    clock.Clock
	log      logrus.FieldLogger

	rateBurst  int
	ratePerSec float64
}

func New(d Deps) *API {
	clk := d.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &API{
		market:     d.Market,
		ledger:     d.Market.Ledger(),
		verifier:   d.Verifier,
		hub:        d.Hub,
		ready:      d.Ready,
		version:    d.Version,
		clock:      clk,
		log:        obs.Logger().WithField("component", "httpapi"),
		rateBurst:  20,
		ratePerSec: 10,
	}
}

// SetRateLimit overrides the per-client token bucket.
func (a *API) SetRateLimit(burst int, perSecond float64) {
	if burst > 0 && perSecond > 0 {
		a.rateBurst, a.ratePerSec = burst, perSecond
	}
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)

		r.Get("/events", a.Events)

		r.Post("/orders", a.placeOrder)
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", a.getOrder)
			r.Get("/history", a.orderHistory)
			r.Post("/state", a.changeState)
			r.Get("/offers", a.listOrderOffers)
			r.Post("/offers", a.createOrderOffer)
			r.Post("/offers/{offerID}/accept", a.acceptOrderOffer)
			r.Post("/offers/{offerID}/decline", a.declineOrderOffer)
			r.Post("/disputes", a.createDispute)
			r.Post("/feedback", a.leaveFeedback)

			r.With(RequireRole(auth.RoleAdmin, auth.RoleSystem)).Post("/payment/confirm", a.confirmPayment)
			r.With(RequireRole(auth.RoleAdmin, auth.RoleSystem)).Post("/payment/cancel", a.cancelPayment)
		})
		r.Post("/disputes/{disputeID}/resolve", a.resolveDispute)
		r.Post("/disputes/{disputeID}/cancel", a.cancelDispute)

		r.Post("/products/{productID}/offers", a.createProductOffer)
		r.Post("/discounts", a.createDiscount)
		r.Post("/enquiries", a.createEnquiryOffer)
		r.Post("/enquiries/{offerID}/close", a.closeEnquiryOffer)

		r.Get("/accounts/me/balance", a.getBalance)
		r.Get("/accounts/me/transactions", a.listTransactions)
		r.Post("/transfers", a.transfer)
		r.Post("/withdrawals", a.withdraw)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RoleAdmin, auth.RoleSystem))
			r.Get("/accounts/{userID}/balance", a.getBalance)
			r.Get("/accounts/{userID}/transactions", a.listTransactions)
			r.Post("/withdrawals/{txID}/confirm", a.confirmWithdrawal)
			r.Post("/withdrawals/{txID}/reject", a.rejectWithdrawal)
			r.Post("/deposits", a.deposit)
			r.Post("/settlement/sweep", a.sweep)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	var h http.Handler = r
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "marketcore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ping(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "marketcore-api",
		"time":    a.clock.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleError maps domain errors onto status codes. Anything unknown is
// logged and reported as a 500 without detail.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.log.WithError(err).WithFields(logrus.Fields{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
		writeError(w, r, code, "internal error")
		return
	}
	writeError(w, r, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfTransfer):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInvalidOrderState),
		errors.Is(err, domain.ErrInvalidTransactionState),
		errors.Is(err, domain.ErrRevisionLimitExceeded),
		errors.Is(err, domain.ErrDisputeExists),
		errors.Is(err, domain.ErrDisputeClosed),
		errors.Is(err, domain.ErrFeedbackExists),
		errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOfferExpired),
		errors.Is(err, domain.ErrOfferAlreadyClosed),
		errors.Is(err, domain.ErrOfferNotApplicable),
		errors.Is(err, domain.ErrOfferReserved),
		errors.Is(err, domain.ErrOfferOverlap),
		errors.Is(err, domain.ErrDiscountUnavailable),
		errors.Is(err, domain.ErrProductUnavailable):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		a.log.WithError(err).WithField("event", event).Warn("audit log failed")
	}
}
