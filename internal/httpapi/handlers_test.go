package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"marketcore.org/internal/auth"
	"marketcore.org/internal/clock"
	"marketcore.org/internal/domain"
	"marketcore.org/internal/ledger"
	"marketcore.org/internal/market"
	"marketcore.org/internal/store/memory"
	"marketcore.org/internal/stream"
)

type apiClient struct {
	baseURL  string
	client   *http.Client
	verifier *auth.Verifier
	clock    *clock.Manual
	t        *testing.T
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	store.PutUser(domain.User{ID: "buyer", Credit: 100_000, IsActive: true})
	store.PutUser(domain.User{ID: "seller", Credit: 10_000, IsActive: true})
	store.PutUser(domain.User{ID: "stranger", Credit: 1_000, IsActive: true})
	store.PutProduct(domain.Product{
		ID:           "prod",
		SellerID:     "seller",
		Title:        "Logo design",
		Price:        5_000,
		DeliveryDays: 3,
		Revisions:    1,
		IsActive:     true,
	})

	clk := clock.NewManual(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	led := ledger.NewService(store, clk, ledger.WithLogger(quietLogger()))
	hub := stream.New()
	svc := market.NewService(store, led, clk, market.WithNotifier(hub), market.WithLogger(quietLogger()))

	verifier, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	api := New(Deps{Market: svc, Verifier: verifier, Hub: hub, Version: "test", Clock: clk})
	api.log = quietLogger()
	api.SetRateLimit(1000, 1000)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		verifier: verifier,
		clock:    clk,
		t:        t,
	}
}

func (c *apiClient) token(user string, roles ...string) map[string]string {
	c.t.Helper()
	tok, err := c.verifier.GenerateToken(user, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) credit(user string) float64 {
	c.t.Helper()
	resp := c.get("/v1/accounts/"+user+"/balance", nil, c.token("ops", auth.RoleAdmin))
	expectStatus(c.t, resp, http.StatusOK)
	return decode[map[string]any](c.t, resp)["credit"].(float64)
}

func (c *apiClient) placeOrder(buyer string, body map[string]any) map[string]any {
	c.t.Helper()
	if body == nil {
		body = map[string]any{"product_id": "prod"}
	}
	resp := c.post("/v1/orders", body, c.token(buyer))
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[map[string]any](c.t, resp)
}

func (c *apiClient) move(orderID, user string, to domain.OrderState) map[string]any {
	c.t.Helper()
	resp := c.post("/v1/orders/"+orderID+"/state", map[string]any{"state": to}, c.token(user))
	expectStatus(c.t, resp, http.StatusOK)
	return decode[map[string]any](c.t, resp)
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIOrderLifecycleAndSweep(t *testing.T) {
	api := newTestAPI(t)

	order := api.placeOrder("buyer", nil)
	if order["state"] != string(domain.StateNew) {
		t.Fatalf("unexpected state: %v", order["state"])
	}
	if order["price"].(float64) != 5000 || order["fee"].(float64) != 500 {
		t.Fatalf("unexpected price/fee: %v/%v", order["price"], order["fee"])
	}
	if got := api.credit("buyer"); got != 94_500 {
		t.Fatalf("buyer credit after placement = %v", got)
	}
	id := order["id"].(string)

	api.move(id, "seller", domain.StateAccepted)
	api.move(id, "seller", domain.StateSent)
	done := api.move(id, "buyer", domain.StateClosedCompleted)
	if done["state"] != string(domain.StateClosedCompleted) {
		t.Fatalf("unexpected state: %v", done["state"])
	}

	system := api.token("sweeper", auth.RoleSystem)

	// Nothing has cleared yet.
	resp := api.post("/v1/settlement/sweep", nil, system)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["released"].(float64); got != 0 {
		t.Fatalf("released before clearance: %v", got)
	}
	if got := api.credit("seller"); got != 10_000 {
		t.Fatalf("seller credited before clearance: %v", got)
	}

	api.clock.Advance(73 * time.Hour)
	resp = api.post("/v1/settlement/sweep", nil, system)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["released"].(float64); got != 1 {
		t.Fatalf("released after clearance: %v", got)
	}
	if got := api.credit("seller"); got != 15_000 {
		t.Fatalf("seller credit after sweep = %v", got)
	}

	// A second sweep finds nothing.
	resp = api.post("/v1/settlement/sweep", nil, system)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["released"].(float64); got != 0 {
		t.Fatalf("double release: %v", got)
	}

	resp = api.get("/v1/orders/"+id+"/history", nil, api.token("buyer"))
	expectStatus(t, resp, http.StatusOK)
	history := decode[map[string][]map[string]any](t, resp)["items"]
	if len(history) < 3 {
		t.Fatalf("expected at least 3 history entries, got %d", len(history))
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/orders", map[string]any{"product_id": "prod"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	resp = api.post("/v1/orders", map[string]any{"product_id": "prod"}, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	// Admin-only routes.
	resp = api.post("/v1/deposits", map[string]any{"user_id": "buyer", "amount": 100}, api.token("buyer"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAPIHidesOrdersFromStrangers(t *testing.T) {
	api := newTestAPI(t)
	order := api.placeOrder("buyer", nil)
	id := order["id"].(string)

	resp := api.get("/v1/orders/"+id, nil, api.token("stranger"))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.get("/v1/orders/"+id, nil, api.token("ops", auth.RoleAdmin))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Buyers cannot accept their own orders.
	resp = api.post("/v1/orders/"+id+"/state", map[string]any{"state": domain.StateAccepted}, api.token("buyer"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAPIPlaceOrderValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/orders", map[string]any{"product_id": "prod"}, api.token("stranger"))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/orders", map[string]any{"product_id": "prod", "payment": "cash"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/orders", map[string]any{"product_id": "prod", "surprise": 1}, api.token("buyer"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/orders", map[string]any{"product_id": "missing"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPICardPaymentConfirm(t *testing.T) {
	api := newTestAPI(t)

	order := api.placeOrder("buyer", map[string]any{"product_id": "prod", "payment": "card"})
	if order["is_pending"] != true {
		t.Fatalf("card order should be pending")
	}
	id := order["id"].(string)

	resp := api.post("/v1/orders/"+id+"/payment/confirm", map[string]any{"reference": "ch_1"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/orders/"+id+"/payment/confirm", map[string]any{"reference": "ch_1"}, api.token("gateway", auth.RoleSystem))
	expectStatus(t, resp, http.StatusOK)
	confirmed := decode[map[string]any](t, resp)
	if confirmed["is_pending"] != false {
		t.Fatalf("order still pending after confirmation")
	}
	if got := api.credit("buyer"); got != 100_000 {
		t.Fatalf("captured card payment changed the buyer's spendable credit: %v", got)
	}

	resp = api.post("/v1/orders/"+id+"/payment/confirm", nil, api.token("gateway", auth.RoleSystem))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPIOrderOffers(t *testing.T) {
	api := newTestAPI(t)
	first := api.placeOrder("buyer", nil)
	other := api.placeOrder("buyer", nil)
	id := first["id"].(string)

	resp := api.post("/v1/orders/"+id+"/offers", map[string]any{"price": 2000, "delivery_days": 2}, api.token("seller"))
	expectStatus(t, resp, http.StatusCreated)
	offer := decode[map[string]any](t, resp)
	offerID := offer["id"].(string)

	// The offer is not reachable through another order.
	resp = api.post("/v1/orders/"+other["id"].(string)+"/offers/"+offerID+"/accept", nil, api.token("buyer"))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.post("/v1/orders/"+id+"/offers/"+offerID+"/accept", nil, api.token("buyer"))
	expectStatus(t, resp, http.StatusOK)
	order := decode[map[string]any](t, resp)
	accepted := order["accepted_offers"].([]any)
	if len(accepted) != 1 {
		t.Fatalf("expected one accepted offer, got %d", len(accepted))
	}

	resp = api.post("/v1/orders/"+id+"/offers/"+offerID+"/decline", nil, api.token("buyer"))
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = api.get("/v1/orders/"+id+"/offers", nil, api.token("seller"))
	expectStatus(t, resp, http.StatusOK)
	items := decode[map[string][]map[string]any](t, resp)["items"]
	if len(items) != 1 || items[0]["is_accepted"] != true {
		t.Fatalf("unexpected offers: %v", items)
	}
}

func TestAPIDisputeAgreedByPeer(t *testing.T) {
	api := newTestAPI(t)
	order := api.placeOrder("buyer", nil)
	id := order["id"].(string)
	api.move(id, "seller", domain.StateAccepted)

	resp := api.post("/v1/orders/"+id+"/disputes", map[string]any{
		"kind":            "late",
		"resolution_kind": "cancel",
		"reason":          "no reply",
	}, api.token("buyer"))
	expectStatus(t, resp, http.StatusCreated)
	dispute := decode[map[string]any](t, resp)

	resp = api.post("/v1/orders/"+id+"/disputes", map[string]any{"kind": "late", "resolution_kind": "cancel"}, api.token("seller"))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/disputes/"+dispute["id"].(string)+"/resolve", nil, api.token("seller"))
	expectStatus(t, resp, http.StatusOK)
	resolved := decode[map[string]any](t, resp)
	if resolved["status"] != string(domain.DisputeResolved) {
		t.Fatalf("unexpected dispute status: %v", resolved["status"])
	}

	resp = api.get("/v1/orders/"+id, nil, api.token("buyer"))
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["state"]; got != string(domain.StateClosedCancelled) {
		t.Fatalf("unexpected order state: %v", got)
	}

	resp = api.post("/v1/disputes/"+dispute["id"].(string)+"/cancel", nil, api.token("buyer"))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPIWithdrawAndReject(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/withdrawals", map[string]any{"amount": 10_000, "method": "paypal"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusCreated)
	tx := decode[map[string]any](t, resp)
	if tx["is_hold"] != true {
		t.Fatalf("withdrawal should be held")
	}
	if got := api.credit("buyer"); got != 90_000 {
		t.Fatalf("credit after withdrawal = %v", got)
	}

	resp = api.post("/v1/withdrawals", map[string]any{"amount": 10_000, "method": "pigeon"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	path := "/v1/withdrawals/" + tx["id"].(string) + "/reject"
	resp = api.post(path, map[string]any{"note": "bad account"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post(path, map[string]any{"note": "bad account"}, api.token("ops", auth.RoleAdmin))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got := api.credit("buyer"); got != 100_000 {
		t.Fatalf("credit after reject = %v", got)
	}

	resp = api.post("/v1/withdrawals/"+tx["id"].(string)+"/confirm", nil, api.token("ops", auth.RoleAdmin))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPITransfer(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/transfers", map[string]any{"to": "seller", "amount": 1_000, "note": "tip"}, api.token("buyer"))
	expectStatus(t, resp, http.StatusCreated)
	res := decode[map[string]any](t, resp)
	if res["out"].(map[string]any)["amount"].(float64) != 1_000 {
		t.Fatalf("unexpected transfer: %v", res)
	}
	if got := api.credit("buyer"); got != 99_000 {
		t.Fatalf("buyer credit = %v", got)
	}
	if got := api.credit("seller"); got != 11_000 {
		t.Fatalf("seller credit = %v", got)
	}

	resp = api.post("/v1/transfers", map[string]any{"to": "buyer", "amount": 1_000}, api.token("buyer"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/transfers", map[string]any{"to": "buyer", "amount": 5_000}, api.token("stranger"))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.get("/v1/accounts/me/transactions", url.Values{"limit": []string{"10"}}, api.token("buyer"))
	expectStatus(t, resp, http.StatusOK)
	page := decode[map[string]any](t, resp)
	if page["next_after"] == nil {
		t.Fatalf("expected pagination field present")
	}
	if n := len(page["items"].([]any)); n != 1 {
		t.Fatalf("expected 1 buyer transaction, got %d", n)
	}

	resp = api.get("/v1/accounts/me/transactions", url.Values{"limit": []string{"0"}}, api.token("buyer"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPITransferIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	headers := api.token("buyer")
	headers["Idempotency-Key"] = "retry-1"

	var ids []string
	for i := 0; i < 2; i++ {
		resp := api.post("/v1/transfers", map[string]any{"to": "seller", "amount": 1_000}, headers)
		expectStatus(t, resp, http.StatusCreated)
		res := decode[map[string]any](t, resp)
		ids = append(ids, res["out"].(map[string]any)["id"].(string))
	}
	if ids[0] != ids[1] {
		t.Fatalf("retry wrote a new transfer: %v", ids)
	}
	if got := api.credit("buyer"); got != 99_000 {
		t.Fatalf("buyer credit = %v", got)
	}
	if got := api.credit("seller"); got != 11_000 {
		t.Fatalf("seller credit = %v", got)
	}

	// same key, different request
	resp := api.post("/v1/transfers", map[string]any{"to": "seller", "amount": 2_000}, headers)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/transfers", map[string]any{"to": "seller", "amount": 1_000, "idempotency_key": "other"}, headers)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// body key alone works for withdrawals too
	body := map[string]any{"amount": 5_000, "method": "bank_wire", "idempotency_key": "w-1"}
	for i := 0; i < 2; i++ {
		resp = api.post("/v1/withdrawals", body, api.token("buyer"))
		expectStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}
	if got := api.credit("buyer"); got != 94_000 {
		t.Fatalf("buyer credit after withdrawal = %v", got)
	}
}

func TestAPIEventsStream(t *testing.T) {
	api := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range api.token("seller") {
		req.Header.Set(k, v)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	// The preamble is written after the subscription is registered.
	select {
	case line := <-lines:
		if !strings.HasPrefix(line, ": stream started") {
			t.Fatalf("unexpected preamble %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not start")
	}

	order := api.placeOrder("buyer", nil)

	want := fmt.Sprintf(`"order_id":%q`, order["id"])
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, want) {
				if !strings.Contains(line, string(market.EventOrderPlaced)) {
					t.Fatalf("unexpected event %q", line)
				}
				return
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestAPIPublicEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["version"]; got != "test" {
		t.Fatalf("unexpected version %v", got)
	}

	resp = api.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	api.clock.Advance(90 * time.Minute)
	resp = api.get("/v1/info", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["time"]; got != "2025-03-10T13:30:00Z" {
		t.Fatalf("info should report the service clock, got %v", got)
	}

	resp = api.get("/nope", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}
}

type failingProbe struct{}

func (failingProbe) Ping(context.Context) error { return errors.New("db down") }

func TestReadyReportsProbeFailure(t *testing.T) {
	api := &API{ready: failingProbe{}}
	rr := httptest.NewRecorder()
	api.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected ping error in body: %s", rr.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrSelfTransfer, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", domain.ErrInsufficientFunds), http.StatusConflict},
		{domain.ErrRevisionLimitExceeded, http.StatusConflict},
		{domain.ErrOfferExpired, http.StatusUnprocessableEntity},
		{domain.ErrDiscountUnavailable, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
