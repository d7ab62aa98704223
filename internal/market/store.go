package market

import (
	"context"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ledger"
)

// Store persists the order aggregate. It shares its unit of work with the
// ledger so a transition and its money movement commit together.
type Store interface {
	ledger.Store

	GetProduct(ctx context.Context, id string) (domain.Product, error)
	GetProductForUpdate(ctx context.Context, id string) (domain.Product, error)
	UpdateProduct(ctx context.Context, p domain.Product) error
	ProductOffers(ctx context.Context, productID string) ([]domain.ProductOffer, error)
	InsertProductOffer(ctx context.Context, o domain.ProductOffer) error

	GetDiscountForUpdate(ctx context.Context, code string) (domain.Discount, error)
	InsertDiscount(ctx context.Context, d domain.Discount) error
	UpdateDiscount(ctx context.Context, d domain.Discount) error

	GetEnquiryOfferForUpdate(ctx context.Context, id string) (domain.EnquiryOffer, error)
	InsertEnquiryOffer(ctx context.Context, o domain.EnquiryOffer) error
	UpdateEnquiryOffer(ctx context.Context, o domain.EnquiryOffer) error

	InsertOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (domain.Order, error)
	UpdateOrder(ctx context.Context, o domain.Order) error
	AppendHistory(ctx context.Context, h domain.HistoryEntry) error
	ListHistory(ctx context.Context, orderID string) ([]domain.HistoryEntry, error)

	InsertOrderOffer(ctx context.Context, o domain.OrderOffer) error
	GetOrderOfferForUpdate(ctx context.Context, id string) (domain.OrderOffer, error)
	UpdateOrderOffer(ctx context.Context, o domain.OrderOffer) error
	ListOrderOffers(ctx context.Context, orderID string) ([]domain.OrderOffer, error)

	InsertDispute(ctx context.Context, d domain.Dispute) error
	GetDisputeForUpdate(ctx context.Context, id string) (domain.Dispute, error)
	UpdateDispute(ctx context.Context, d domain.Dispute) error
	// OpenDispute returns the order's open dispute, or nil.
	OpenDispute(ctx context.Context, orderID string) (*domain.Dispute, error)

	UpdateSellerStats(ctx context.Context, userID string, stats domain.SellerStats) error
	// InsertFeedback fails with domain.ErrFeedbackExists on a second rating of one order.
	InsertFeedback(ctx context.Context, f domain.Feedback) error
}
