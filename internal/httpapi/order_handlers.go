package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/market"
)

type placeOrderRequest struct {
	ProductID      string         `json:"product_id"`
	ExtraIDs       []string       `json:"extra_ids"`
	DiscountCode   string         `json:"discount_code"`
	EnquiryOfferID string         `json:"enquiry_offer_id"`
	Payment        market.Payment `json:"payment"`
}

type changeStateRequest struct {
	State domain.OrderState `json:"state"`
	Note  string            `json:"note"`
}

type paymentRequest struct {
	Reference string `json:"reference"`
	Note      string `json:"note"`
}

type resolveDisputeRequest struct {
	ResolutionKind domain.ResolutionKind `json:"resolution_kind"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (a *API) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, r, http.StatusBadRequest, "product_id is required")
		return
	}
	if req.Payment == "" {
		req.Payment = market.PaymentBalance
	}
	if req.Payment != market.PaymentBalance && req.Payment != market.PaymentCard {
		writeError(w, r, http.StatusBadRequest, "payment must be balance or card")
		return
	}

	order, err := a.market.PlaceOrder(r.Context(), market.PlaceOrderInput{
		BuyerID:        actor(r).UserID,
		ProductID:      req.ProductID,
		ExtraIDs:       req.ExtraIDs,
		DiscountCode:   req.DiscountCode,
		EnquiryOfferID: req.EnquiryOfferID,
		Payment:        req.Payment,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "order.place", map[string]any{
		"order_id": order.ID,
		"price":    order.Price,
		"fee":      order.Fee,
		"payment":  req.Payment,
	})
	w.Header().Set("Location", "/v1/orders/"+order.ID)
	writeJSON(w, http.StatusCreated, order)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.market.Order(r.Context(), actor(r), chi.URLParam(r, "orderID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) orderHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.market.History(r.Context(), actor(r), chi.URLParam(r, "orderID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": history})
}

func (a *API) changeState(w http.ResponseWriter, r *http.Request) {
	var req changeStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.State.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown state")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	order, err := a.market.ChangeState(r.Context(), orderID, req.State, actor(r), req.Note)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "order.state", map[string]any{
		"order_id": order.ID,
		"state":    order.State,
	})
	writeJSON(w, http.StatusOK, order)
}

func (a *API) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	order, err := a.market.ConfirmPending(r.Context(), chi.URLParam(r, "orderID"), req.Reference)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "order.payment.confirm", map[string]any{
		"order_id":  order.ID,
		"reference": req.Reference,
		"amount":    order.Price + order.Fee,
	})
	writeJSON(w, http.StatusOK, order)
}

func (a *API) cancelPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	order, err := a.market.CancelPending(r.Context(), chi.URLParam(r, "orderID"), actor(r), req.Note)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "order.payment.cancel", map[string]any{"order_id": order.ID})
	writeJSON(w, http.StatusOK, order)
}

// --- mid-order offers ---

func (a *API) listOrderOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := a.market.OrderOffers(r.Context(), actor(r), chi.URLParam(r, "orderID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": offers})
}

func (a *API) createOrderOffer(w http.ResponseWriter, r *http.Request) {
	var req market.OrderOfferInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offer, err := a.market.CreateOrderOffer(r.Context(), actor(r).UserID, chi.URLParam(r, "orderID"), req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// offerOnOrder checks that the offer in the path belongs to the order in the path.
func (a *API) offerOnOrder(r *http.Request) (string, error) {
	offerID := chi.URLParam(r, "offerID")
	offers, err := a.market.OrderOffers(r.Context(), actor(r), chi.URLParam(r, "orderID"))
	if err != nil {
		return "", err
	}
	for _, o := range offers {
		if o.ID == offerID {
			return offerID, nil
		}
	}
	return "", domain.ErrNotFound
}

func (a *API) acceptOrderOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := a.offerOnOrder(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	order, err := a.market.AcceptOffer(r.Context(), actor(r).UserID, offerID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "order.offer.accept", map[string]any{
		"order_id": order.ID,
		"offer_id": offerID,
		"total":    order.Total(),
	})
	writeJSON(w, http.StatusOK, order)
}

func (a *API) declineOrderOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := a.offerOnOrder(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	offer, err := a.market.DeclineOffer(r.Context(), actor(r).UserID, offerID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// --- disputes ---

func (a *API) createDispute(w http.ResponseWriter, r *http.Request) {
	var req market.DisputeInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.market.CreateDispute(r.Context(), actor(r).UserID, chi.URLParam(r, "orderID"), req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ResolutionKind != "" && !req.ResolutionKind.Valid() {
		writeError(w, r, http.StatusBadRequest, "resolution_kind must be cancel or complete")
		return
	}
	caller := actor(r)
	d, err := a.market.ResolveDispute(r.Context(), caller.UserID, chi.URLParam(r, "disputeID"), req.ResolutionKind, caller.Privileged())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "dispute.resolve", map[string]any{
		"dispute_id": d.ID,
		"order_id":   d.OrderID,
		"resolution": d.ResolutionKind,
		"status":     d.Status,
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) cancelDispute(w http.ResponseWriter, r *http.Request) {
	d, err := a.market.CancelDispute(r.Context(), actor(r).UserID, chi.URLParam(r, "disputeID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) leaveFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f, err := a.market.LeaveFeedback(r.Context(), actor(r).UserID, chi.URLParam(r, "orderID"), req.Rating, req.Comment)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}
