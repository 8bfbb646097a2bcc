package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

const (
	orderColumns = `id::text, user_id, contact_email, status, payment_status, payment_method,
		subtotal, tax, shipping, discount, total, shipping_address,
		COALESCE(coupon_code, ''), COALESCE(tracking_number, ''), COALESCE(idempotency_key, ''),
		created_at, updated_at`

	createOrderSQL = `INSERT INTO orders (id, user_id, contact_email, status, payment_status, payment_method,
		subtotal, tax, shipping, discount, total, shipping_address, coupon_code, idempotency_key,
		created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), NULLIF($14, ''), $15, $16)`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByIdempotencyKeySQL = `SELECT ` + orderColumns + `
		FROM orders WHERE user_id = $1 AND idempotency_key = $2`

	updateOrderStatusSQL = `UPDATE orders
		SET status = $3, tracking_number = COALESCE(NULLIF($4, ''), tracking_number), updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + orderColumns

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	listOrderItemsSQL = `SELECT order_id::text, product_id, name, price, image, COALESCE(variant, ''), quantity
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`

	idempotencyKeyIndex = "orders_user_idempotency_key_idx"
	uniqueViolation     = "23505"
)

var orderItemColumns = []string{
	"order_id", "position", "product_id", "name", "price", "image", "variant", "quantity",
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	tx *Transactor
}

// NewOrderRepository returns an OrderRepository.
func NewOrderRepository(tx *Transactor) *OrderRepository {
	return &OrderRepository{tx: tx}
}

// Create persists an order and its items in one transaction, joining the
// one carried by ctx when present.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	id, err := parseID(o.ID)
	if err != nil {
		return fmt.Errorf("parsing order id %q: %w", o.ID, err)
	}

	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := r.tx.conn(ctx)
		_, err := db.Exec(ctx, createOrderSQL,
			id, o.UserID, o.ContactEmail, o.Status, o.PaymentStatus, o.PaymentMethod,
			o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total, o.ShippingAddress,
			o.CouponCode, o.IdempotencyKey, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyKeyIndex {
				return order.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		rows := make([][]any, len(o.Items))
		for i, it := range o.Items {
			var variant *string
			if it.Variant != "" {
				variant = &it.Variant
			}
			rows[i] = []any{id, i, it.ProductID, it.Name, it.Price, it.Image, variant, it.Quantity}
		}
		if _, err := db.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("creating items of order %q: %w", o.ID, err)
		}
		return nil
	})
}

// GetByID returns a single order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, order.ErrOrderNotFound
	}
	return r.getOne(ctx, getOrderByIDSQL, uid)
}

// FindByIdempotencyKey returns the user's order placed under key.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByIdempotencyKeySQL, userID, key)
}

func (r *OrderRepository) getOne(ctx context.Context, sql string, args ...any) (*order.Order, error) {
	db := r.tx.conn(ctx)
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}

	orders := []order.Order{o}
	if err := loadItems(ctx, db, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// List returns one page of orders matching f and the total match count.
func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]order.Order, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.Search != "" {
		p := arg("%" + escapeLike(f.Search) + "%")
		where = append(where, fmt.Sprintf(
			"(id::text ILIKE %[1]s OR coupon_code ILIKE %[1]s OR shipping_address->>'fullName' ILIKE %[1]s OR contact_email ILIKE %[1]s)",
			p,
		))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	db := r.tx.conn(ctx)

	var total int
	if err := db.QueryRow(ctx, "SELECT count(*) FROM orders"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting orders: %w", err)
	}

	query := "SELECT " + orderColumns + " FROM orders" + cond +
		" ORDER BY " + orderBy(f.Sort) +
		" LIMIT " + arg(f.Page.Limit) + " OFFSET " + arg(f.Page.Offset())
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}
	if err := loadItems(ctx, db, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func orderBy(s order.Sort) string {
	col := "created_at"
	if s.By == order.SortByTotal {
		col = "total"
	}
	dir := "DESC"
	if s.Direction == order.Asc {
		dir = "ASC"
	}
	return col + " " + dir + ", id " + dir
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// UpdateStatus moves an order from one status to another in one conditional
// statement.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status, trackingNumber string) (*order.Order, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, order.ErrOrderNotFound
	}

	db := r.tx.conn(ctx)
	rows, err := db.Query(ctx, updateOrderStatusSQL, uid, from, to, trackingNumber)
	if err != nil {
		return nil, fmt.Errorf("updating status of order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("updating status of order %q: %w", id, err)
		}
		var exists bool
		if err := db.QueryRow(ctx, orderExistsSQL, uid).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking order %q: %w", id, err)
		}
		if !exists {
			return nil, order.ErrOrderNotFound
		}
		return nil, order.ErrStatusChanged
	}

	orders := []order.Order{o}
	if err := loadItems(ctx, db, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func loadItems(ctx context.Context, db DBTX, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]pgtype.UUID, len(orders))
	idx := make(map[string]int, len(orders))
	for i, o := range orders {
		id, err := parseID(o.ID)
		if err != nil {
			return fmt.Errorf("parsing order id %q: %w", o.ID, err)
		}
		ids[i] = id
		idx[o.ID] = i
	}

	rows, err := db.Query(ctx, listOrderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.Name, &it.Price, &it.Image, &it.Variant, &it.Quantity); err != nil {
			return fmt.Errorf("scanning order item: %w", err)
		}
		i := idx[orderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	return nil
}

func parseID(s string) (pgtype.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{}, err
	}
	return pgtype.UUID{Bytes: u, Valid: true}, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var o order.Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.ContactEmail, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
		&o.Subtotal, &o.Tax, &o.Shipping, &o.Discount, &o.Total, &o.ShippingAddress,
		&o.CouponCode, &o.TrackingNumber, &o.IdempotencyKey,
		&o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}
