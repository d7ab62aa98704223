package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"marketcore.org/internal/domain"
)

// --- products and promotions ---

const productColumns = `id, seller_id, title, price, delivery_days, revisions, quantity, extras, is_active, sales`

type productRow struct {
	ID           string                     `db:"id"`
	SellerID     string                     `db:"seller_id"`
	Title        string                     `db:"title"`
	Price        int64                      `db:"price"`
	DeliveryDays int                        `db:"delivery_days"`
	Revisions    int                        `db:"revisions"`
	Quantity     sql.NullInt64              `db:"quantity"`
	Extras       jsonColumn[[]domain.Extra] `db:"extras"`
	IsActive     bool                       `db:"is_active"`
	Sales        int64                      `db:"sales"`
}

func (r productRow) product() domain.Product {
	p := domain.Product{
		ID:           r.ID,
		SellerID:     r.SellerID,
		Title:        r.Title,
		Price:        r.Price,
		DeliveryDays: r.DeliveryDays,
		Revisions:    r.Revisions,
		Extras:       r.Extras.V,
		IsActive:     r.IsActive,
		Sales:        r.Sales,
	}
	if r.Quantity.Valid {
		q := int(r.Quantity.Int64)
		p.Quantity = &q
	}
	return p
}

func quantityArg(q *int) sql.NullInt64 {
	if q == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*q), Valid: true}
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return s.getProduct(ctx, `select `+productColumns+` from products where id = $1`, id)
}

func (s *Store) GetProductForUpdate(ctx context.Context, id string) (domain.Product, error) {
	return s.getProduct(ctx, `select `+productColumns+` from products where id = $1 for update`, id)
}

func (s *Store) getProduct(ctx context.Context, query, id string) (domain.Product, error) {
	var row productRow
	if err := sqlx.GetContext(ctx, s.q(ctx), &row, query, id); err != nil {
		return domain.Product{}, notFound(err, "get product")
	}
	return row.product(), nil
}

// PutProduct inserts or replaces a product row; used by seeding and tests.
func (s *Store) PutProduct(ctx context.Context, p domain.Product) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into products (`+productColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (id) do update set
			title = excluded.title, price = excluded.price, delivery_days = excluded.delivery_days,
			revisions = excluded.revisions, quantity = excluded.quantity, extras = excluded.extras,
			is_active = excluded.is_active
	`, p.ID, p.SellerID, p.Title, p.Price, p.DeliveryDays, p.Revisions, quantityArg(p.Quantity),
		jsonColumn[[]domain.Extra]{V: p.Extras}, p.IsActive, p.Sales)
	return errors.Wrap(err, "put product")
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update products set title = $2, price = $3, delivery_days = $4, revisions = $5,
			quantity = $6, extras = $7, is_active = $8, sales = $9
		where id = $1
	`, p.ID, p.Title, p.Price, p.DeliveryDays, p.Revisions, quantityArg(p.Quantity),
		jsonColumn[[]domain.Extra]{V: p.Extras}, p.IsActive, p.Sales)
	return affected(res, err, "update product")
}

func (s *Store) ProductOffers(ctx context.Context, productID string) ([]domain.ProductOffer, error) {
	var out []domain.ProductOffer
	err := sqlx.SelectContext(ctx, s.q(ctx), &out, `
		select id, product_id as productid, kind, value, start_date as startdate, end_date as enddate
		from product_offers where product_id = $1
		order by start_date
	`, productID)
	return out, errors.Wrap(err, "list product offers")
}

func (s *Store) InsertProductOffer(ctx context.Context, o domain.ProductOffer) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into product_offers (id, product_id, kind, value, start_date, end_date)
		values ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.ProductID, o.Kind, o.Value, o.StartDate, o.EndDate)
	return errors.Wrap(err, "insert product offer")
}

// --- discounts ---

func (s *Store) GetDiscountForUpdate(ctx context.Context, code string) (domain.Discount, error) {
	var d domain.Discount
	err := sqlx.GetContext(ctx, s.q(ctx), &d, `
		select code, product_id as productid, kind, value, is_used as isused, on_hold as onhold
		from discounts where code = $1 for update
	`, code)
	if err != nil {
		return domain.Discount{}, notFound(err, "get discount")
	}
	return d, nil
}

func (s *Store) InsertDiscount(ctx context.Context, d domain.Discount) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into discounts (code, product_id, kind, value, is_used, on_hold)
		values ($1, $2, $3, $4, $5, $6)
	`, d.Code, d.ProductID, d.Kind, d.Value, d.IsUsed, d.OnHold)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return domain.ErrInvalidInput
	}
	return errors.Wrap(err, "insert discount")
}

func (s *Store) UpdateDiscount(ctx context.Context, d domain.Discount) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update discounts set is_used = $2, on_hold = $3 where code = $1
	`, d.Code, d.IsUsed, d.OnHold)
	return affected(res, err, "update discount")
}

// --- enquiry offers ---

const enquiryColumns = `id, product_id, seller_id, buyer_id, price, delivery_days, revisions,
	expires_on, created_on, is_closed, is_accepted, on_hold`

type enquiryRow struct {
	ID           string     `db:"id"`
	ProductID    string     `db:"product_id"`
	SellerID     string     `db:"seller_id"`
	BuyerID      string     `db:"buyer_id"`
	Price        int64      `db:"price"`
	DeliveryDays int        `db:"delivery_days"`
	Revisions    int        `db:"revisions"`
	ExpiresOn    *time.Time `db:"expires_on"`
	CreatedOn    time.Time  `db:"created_on"`
	IsClosed     bool       `db:"is_closed"`
	IsAccepted   bool       `db:"is_accepted"`
	OnHold       bool       `db:"on_hold"`
}

func (s *Store) GetEnquiryOfferForUpdate(ctx context.Context, id string) (domain.EnquiryOffer, error) {
	var r enquiryRow
	err := sqlx.GetContext(ctx, s.q(ctx), &r, `select `+enquiryColumns+` from enquiry_offers where id = $1 for update`, id)
	if err != nil {
		return domain.EnquiryOffer{}, notFound(err, "get enquiry offer")
	}
	o := domain.EnquiryOffer{
		ID:           r.ID,
		ProductID:    r.ProductID,
		SellerID:     r.SellerID,
		BuyerID:      r.BuyerID,
		Price:        r.Price,
		DeliveryDays: r.DeliveryDays,
		Revisions:    r.Revisions,
		ExpiresOn:    valueTime(r.ExpiresOn),
		CreatedOn:    r.CreatedOn,
		OnHold:       r.OnHold,
	}
	o.SetFlags(r.IsClosed, r.IsAccepted)
	return o, nil
}

func (s *Store) InsertEnquiryOffer(ctx context.Context, o domain.EnquiryOffer) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into enquiry_offers (`+enquiryColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.ProductID, o.SellerID, o.BuyerID, o.Price, o.DeliveryDays, o.Revisions,
		nullTime(o.ExpiresOn), o.CreatedOn, o.IsClosed, o.IsAccepted, o.OnHold)
	return errors.Wrap(err, "insert enquiry offer")
}

func (s *Store) UpdateEnquiryOffer(ctx context.Context, o domain.EnquiryOffer) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update enquiry_offers set is_closed = $2, is_accepted = $3, on_hold = $4 where id = $1
	`, o.ID, o.IsClosed, o.IsAccepted, o.OnHold)
	return affected(res, err, "update enquiry offer")
}

// --- orders ---

const orderColumns = `id, product_id, buyer_id, seller_id, price, fee, state, is_pending, created_on,
	accepted_on, delivered_on, closed_on, deadline, revision_count_left, requirements_provided,
	snapshot, accepted_offers`

type orderRow struct {
	ID                   string                              `db:"id"`
	ProductID            string                              `db:"product_id"`
	BuyerID              string                              `db:"buyer_id"`
	SellerID             string                              `db:"seller_id"`
	Price                int64                               `db:"price"`
	Fee                  int64                               `db:"fee"`
	State                domain.OrderState                   `db:"state"`
	IsPending            bool                                `db:"is_pending"`
	CreatedOn            time.Time                           `db:"created_on"`
	AcceptedOn           *time.Time                          `db:"accepted_on"`
	DeliveredOn          *time.Time                          `db:"delivered_on"`
	ClosedOn             *time.Time                          `db:"closed_on"`
	Deadline             *time.Time                          `db:"deadline"`
	RevisionCountLeft    int                                 `db:"revision_count_left"`
	RequirementsProvided bool                                `db:"requirements_provided"`
	Snapshot             jsonColumn[domain.Snapshot]         `db:"snapshot"`
	Accepted             jsonColumn[[]domain.AcceptedOffer] `db:"accepted_offers"`
}

func (r orderRow) order() domain.Order {
	return domain.Order{
		ID:                   r.ID,
		ProductID:            r.ProductID,
		BuyerID:              r.BuyerID,
		SellerID:             r.SellerID,
		Price:                r.Price,
		Fee:                  r.Fee,
		State:                r.State,
		IsPending:            r.IsPending,
		CreatedOn:            r.CreatedOn,
		AcceptedOn:           r.AcceptedOn,
		DeliveredOn:          r.DeliveredOn,
		ClosedOn:             r.ClosedOn,
		Deadline:             r.Deadline,
		RevisionCountLeft:    r.RevisionCountLeft,
		RequirementsProvided: r.RequirementsProvided,
		Snapshot:             r.Snapshot.V,
		Accepted:             r.Accepted.V,
	}
}

func (s *Store) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into orders (`+orderColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, o.ID, o.ProductID, o.BuyerID, o.SellerID, o.Price, o.Fee, o.State, o.IsPending, o.CreatedOn,
		o.AcceptedOn, o.DeliveredOn, o.ClosedOn, o.Deadline, o.RevisionCountLeft, o.RequirementsProvided,
		jsonColumn[domain.Snapshot]{V: o.Snapshot}, acceptedArg(o.Accepted))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return domain.ErrInvalidInput
	}
	return errors.Wrap(err, "insert order")
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.getOrder(ctx, `select `+orderColumns+` from orders where id = $1`, id)
}

func (s *Store) GetOrderForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return s.getOrder(ctx, `select `+orderColumns+` from orders where id = $1 for update`, id)
}

func (s *Store) getOrder(ctx context.Context, query, id string) (domain.Order, error) {
	var row orderRow
	if err := sqlx.GetContext(ctx, s.q(ctx), &row, query, id); err != nil {
		return domain.Order{}, notFound(err, "get order")
	}
	return row.order(), nil
}

func (s *Store) UpdateOrder(ctx context.Context, o domain.Order) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update orders set price = $2, fee = $3, state = $4, is_pending = $5, accepted_on = $6,
			delivered_on = $7, closed_on = $8, deadline = $9, revision_count_left = $10,
			requirements_provided = $11, accepted_offers = $12
		where id = $1
	`, o.ID, o.Price, o.Fee, o.State, o.IsPending, o.AcceptedOn, o.DeliveredOn, o.ClosedOn, o.Deadline,
		o.RevisionCountLeft, o.RequirementsProvided, acceptedArg(o.Accepted))
	return affected(res, err, "update order")
}

func acceptedArg(a []domain.AcceptedOffer) jsonColumn[[]domain.AcceptedOffer] {
	if a == nil {
		a = []domain.AcceptedOffer{}
	}
	return jsonColumn[[]domain.AcceptedOffer]{V: a}
}

func (s *Store) AppendHistory(ctx context.Context, h domain.HistoryEntry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into order_history (order_id, from_state, to_state, actor_id, note, at)
		values ($1, $2, $3, $4, $5, $6)
	`, h.OrderID, h.From, h.To, h.ActorID, h.Note, h.At)
	return errors.Wrap(err, "append history")
}

func (s *Store) ListHistory(ctx context.Context, orderID string) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	err := sqlx.SelectContext(ctx, s.q(ctx), &out, `
		select order_id as orderid, from_state as "from", to_state as "to", actor_id as actorid, note, at
		from order_history where order_id = $1
		order by id
	`, orderID)
	return out, errors.Wrap(err, "list history")
}

// --- mid-order offers ---

const orderOfferColumns = `id, order_id, seller_id, description, price, delivery_days, extras,
	expires_on, created_on, is_closed, is_accepted`

type orderOfferRow struct {
	ID           string                     `db:"id"`
	OrderID      string                     `db:"order_id"`
	SellerID     string                     `db:"seller_id"`
	Description  string                     `db:"description"`
	Price        int64                      `db:"price"`
	DeliveryDays int                        `db:"delivery_days"`
	Extras       jsonColumn[[]domain.Extra] `db:"extras"`
	ExpiresOn    *time.Time                 `db:"expires_on"`
	CreatedOn    time.Time                  `db:"created_on"`
	IsClosed     bool                       `db:"is_closed"`
	IsAccepted   bool                       `db:"is_accepted"`
}

func (r orderOfferRow) offer() domain.OrderOffer {
	o := domain.OrderOffer{
		ID:           r.ID,
		OrderID:      r.OrderID,
		SellerID:     r.SellerID,
		Description:  r.Description,
		Price:        r.Price,
		DeliveryDays: r.DeliveryDays,
		Extras:       r.Extras.V,
		ExpiresOn:    valueTime(r.ExpiresOn),
		CreatedOn:    r.CreatedOn,
	}
	o.SetFlags(r.IsClosed, r.IsAccepted)
	return o
}

func (s *Store) InsertOrderOffer(ctx context.Context, o domain.OrderOffer) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into order_offers (`+orderOfferColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.OrderID, o.SellerID, o.Description, o.Price, o.DeliveryDays,
		jsonColumn[[]domain.Extra]{V: o.Extras}, nullTime(o.ExpiresOn), o.CreatedOn, o.IsClosed, o.IsAccepted)
	return errors.Wrap(err, "insert order offer")
}

func (s *Store) GetOrderOfferForUpdate(ctx context.Context, id string) (domain.OrderOffer, error) {
	var row orderOfferRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row, `select `+orderOfferColumns+` from order_offers where id = $1 for update`, id)
	if err != nil {
		return domain.OrderOffer{}, notFound(err, "get order offer")
	}
	return row.offer(), nil
}

func (s *Store) UpdateOrderOffer(ctx context.Context, o domain.OrderOffer) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update order_offers set is_closed = $2, is_accepted = $3 where id = $1
	`, o.ID, o.IsClosed, o.IsAccepted)
	return affected(res, err, "update order offer")
}

func (s *Store) ListOrderOffers(ctx context.Context, orderID string) ([]domain.OrderOffer, error) {
	var rows []orderOfferRow
	err := sqlx.SelectContext(ctx, s.q(ctx), &rows, `
		select `+orderOfferColumns+` from order_offers where order_id = $1 order by created_on
	`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list order offers")
	}
	out := make([]domain.OrderOffer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.offer())
	}
	return out, nil
}

// --- disputes ---

const disputeColumns = `id, order_id as orderid, raiser_id as raiserid, kind,
	resolution_kind as resolutionkind, reason, status, created_on as createdon, closed_on as closedon`

func (s *Store) InsertDispute(ctx context.Context, d domain.Dispute) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into disputes (id, order_id, raiser_id, kind, resolution_kind, reason, status, created_on, closed_on)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.OrderID, d.RaiserID, d.Kind, d.ResolutionKind, d.Reason, d.Status, d.CreatedOn, d.ClosedOn)
	// disputes_one_open_per_order is a partial unique index on open rows
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return domain.ErrDisputeExists
	}
	return errors.Wrap(err, "insert dispute")
}

func (s *Store) GetDisputeForUpdate(ctx context.Context, id string) (domain.Dispute, error) {
	var d domain.Dispute
	if err := sqlx.GetContext(ctx, s.q(ctx), &d, `select `+disputeColumns+` from disputes where id = $1 for update`, id); err != nil {
		return domain.Dispute{}, notFound(err, "get dispute")
	}
	return d, nil
}

func (s *Store) UpdateDispute(ctx context.Context, d domain.Dispute) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update disputes set status = $2, resolution_kind = $3, closed_on = $4 where id = $1
	`, d.ID, d.Status, d.ResolutionKind, d.ClosedOn)
	return affected(res, err, "update dispute")
}

func (s *Store) OpenDispute(ctx context.Context, orderID string) (*domain.Dispute, error) {
	var d domain.Dispute
	err := sqlx.GetContext(ctx, s.q(ctx), &d, `
		select `+disputeColumns+` from disputes where order_id = $1 and status = $2
	`, orderID, domain.DisputeOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open dispute")
	}
	return &d, nil
}

// --- sellers and feedback ---

func (s *Store) UpdateSellerStats(ctx context.Context, userID string, st domain.SellerStats) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update users set completed_orders = $2, earned = $3, rating_sum = $4, rating_count = $5, level = $6
		where id = $1
	`, userID, st.CompletedOrders, st.Earned, st.RatingSum, st.RatingCount, int(st.Level))
	return affected(res, err, "update seller stats")
}

func (s *Store) InsertFeedback(ctx context.Context, f domain.Feedback) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into feedback (order_id, buyer_id, seller_id, rating, comment, created_on)
		values ($1, $2, $3, $4, $5, $6)
	`, f.OrderID, f.BuyerID, f.SellerID, f.Rating, f.Comment, f.CreatedOn)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return domain.ErrFeedbackExists
	}
	return errors.Wrap(err, "insert feedback")
}

// affected turns a zero-row update into domain.ErrNotFound.
func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
