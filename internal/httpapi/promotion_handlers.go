package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketcore.org/internal/market"
)

func (a *API) createProductOffer(w http.ResponseWriter, r *http.Request) {
	var req market.ProductOfferInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.ProductID = chi.URLParam(r, "productID")
	offer, err := a.market.CreateProductOffer(r.Context(), actor(r).UserID, req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (a *API) createDiscount(w http.ResponseWriter, r *http.Request) {
	var req market.DiscountInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.market.CreateDiscount(r.Context(), actor(r).UserID, req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) createEnquiryOffer(w http.ResponseWriter, r *http.Request) {
	var req market.EnquiryOfferInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offer, err := a.market.CreateEnquiryOffer(r.Context(), actor(r).UserID, req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/enquiries/"+offer.ID)
	writeJSON(w, http.StatusCreated, offer)
}

func (a *API) closeEnquiryOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := a.market.CloseEnquiryOffer(r.Context(), actor(r).UserID, chi.URLParam(r, "offerID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}
