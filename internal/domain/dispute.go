package domain

import "time"

// ResolutionKind is the outcome a dispute drives the order to.
type ResolutionKind string

const (
	ResolveCancel   ResolutionKind = "cancel"
	ResolveComplete ResolutionKind = "complete"
)

// Valid reports whether k is a known resolution.
func (k ResolutionKind) Valid() bool { return k == ResolveCancel || k == ResolveComplete }

// Target returns the order state the resolution closes the order in.
func (k ResolutionKind) Target() OrderState {
	if k == ResolveComplete {
		return StateClosedCompleted
	}
	return StateClosedCancelled
}

// DisputeStatus tracks a dispute's own lifecycle.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeResolved        DisputeStatus = "resolved"
	DisputeResolvedByAdmin DisputeStatus = "resolved_by_admin"
	DisputeCancelled       DisputeStatus = "cancelled"
)

// Dispute is attached to an order while it sits in DISPUTE.
type Dispute struct {
	ID             string         `json:"id"`
	OrderID        string         `json:"order_id"`
	RaiserID       string         `json:"raiser_id"`
	Kind           string         `json:"kind"`
	ResolutionKind ResolutionKind `json:"resolution_kind"`
	Reason         string         `json:"reason,omitempty"`
	Status         DisputeStatus  `json:"status"`
	CreatedOn      time.Time      `json:"created_on"`
	ClosedOn       *time.Time     `json:"closed_on,omitempty"`
}

// IsClosed reports whether the dispute left the open status.
func (d Dispute) IsClosed() bool { return d.Status != DisputeOpen }
