package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// OfferStore implements domain.OfferStore. A side is always replaced as a
// whole: the delete, the bulk copy and the metadata upsert share one
// transaction, so readers never observe a partially written side.
type OfferStore struct {
	pool *pgxpool.Pool
}

// NewOfferStore creates a new OfferStore backed by the given connection pool.
func NewOfferStore(pool *pgxpool.Pool) *OfferStore {
	return &OfferStore{pool: pool}
}

var offerColumns = []string{
	"id", "side", "price", "quantity", "min_amount", "max_amount",
	"maker_name", "maker_id", "payment_methods", "completion_rate", "total_orders",
	"is_merchant", "merchant_tier", "is_online", "is_triangle", "position", "updated_at",
}

// ReplaceSide swaps the stored offers of side for offers and records
// updatedAt and the offer count in update_metadata.
func (s *OfferStore) ReplaceSide(ctx context.Context, side domain.Side, offers []domain.Offer, updatedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin replace %s: %w", side, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM p2p_offers WHERE side = $1`, string(side)); err != nil {
		return fmt.Errorf("postgres: clear %s offers: %w", side, err)
	}

	rows := make([][]any, 0, len(offers))
	for i, o := range offers {
		rows = append(rows, []any{
			o.ID, string(side),
			numericFromDecimal(o.Price), numericFromDecimal(o.Quantity),
			numericFromDecimal(o.MinAmount), numericFromDecimal(o.MaxAmount),
			o.MakerName, o.MakerID, nonNil(o.PaymentMethods),
			numericFromDecimal(o.CompletionRate), o.TotalOrders,
			o.IsMerchant, string(o.MerchantTier), o.IsOnline, o.IsTriangleFlagged,
			i, updatedAt,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"p2p_offers"}, offerColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres: copy %d %s offers: %w", len(offers), side, err)
	}

	const upsertMeta = `
		INSERT INTO update_metadata (side, last_update, offers_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (side) DO UPDATE SET
			last_update  = EXCLUDED.last_update,
			offers_count = EXCLUDED.offers_count`
	if _, err := tx.Exec(ctx, upsertMeta, string(side), updatedAt, len(offers)); err != nil {
		return fmt.Errorf("postgres: update %s metadata: %w", side, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit replace %s: %w", side, err)
	}
	return nil
}

// ListBySide returns the stored offers of side in the order they were scraped.
func (s *OfferStore) ListBySide(ctx context.Context, side domain.Side) ([]domain.Offer, error) {
	const query = `
		SELECT id, side, price, quantity, min_amount, max_amount,
		       maker_name, maker_id, payment_methods, completion_rate, total_orders,
		       is_merchant, merchant_tier, is_online, is_triangle
		FROM p2p_offers
		WHERE side = $1
		ORDER BY position`

	rows, err := s.pool.Query(ctx, query, string(side))
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s offers: %w", side, err)
	}
	defer rows.Close()

	offers := make([]domain.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s offer: %w", side, err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list %s offers rows: %w", side, err)
	}
	return offers, nil
}

// LastUpdate returns when side was last replaced and how many offers it
// holds. It returns domain.ErrNotFound if side was never stored.
func (s *OfferStore) LastUpdate(ctx context.Context, side domain.Side) (time.Time, int, error) {
	var (
		at    time.Time
		count int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT last_update, offers_count FROM update_metadata WHERE side = $1`, string(side),
	).Scan(&at, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, 0, domain.ErrNotFound
		}
		return time.Time{}, 0, fmt.Errorf("postgres: last update %s: %w", side, err)
	}
	return at, count, nil
}

func scanOffer(row pgx.Row) (domain.Offer, error) {
	var (
		o                                    domain.Offer
		side, tier                           string
		price, qty, minAmt, maxAmt, complete pgtype.Numeric
	)
	if err := row.Scan(
		&o.ID, &side, &price, &qty, &minAmt, &maxAmt,
		&o.MakerName, &o.MakerID, &o.PaymentMethods, &complete, &o.TotalOrders,
		&o.IsMerchant, &tier, &o.IsOnline, &o.IsTriangleFlagged,
	); err != nil {
		return domain.Offer{}, err
	}
	o.Side = domain.Side(side)
	o.MerchantTier = domain.NormalizeMerchantTier(tier)

	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
		src  pgtype.Numeric
	}{
		{"price", &o.Price, price},
		{"quantity", &o.Quantity, qty},
		{"min_amount", &o.MinAmount, minAmt},
		{"max_amount", &o.MaxAmount, maxAmt},
		{"completion_rate", &o.CompletionRate, complete},
	} {
		d, err := decimalFromNumeric(f.src)
		if err != nil {
			return domain.Offer{}, fmt.Errorf("offer %s: %s: %w", o.ID, f.name, err)
		}
		*f.dst = d
	}
	return o, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.OfferStore = (*OfferStore)(nil)
