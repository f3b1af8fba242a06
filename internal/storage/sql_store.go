package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/spherical/flyer-offers/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS offers (
	id               TEXT NOT NULL,
	retailer         TEXT NOT NULL,
	week_key         TEXT NOT NULL,
	title            TEXT NOT NULL,
	price            TEXT NOT NULL,
	original_price   TEXT,
	discount_percent INTEGER,
	unit             TEXT NOT NULL DEFAULT '',
	brand            TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	image_url        TEXT NOT NULL DEFAULT '',
	page             INTEGER NOT NULL DEFAULT 0,
	price_type       TEXT NOT NULL DEFAULT '',
	unit_price       TEXT NOT NULL DEFAULT '',
	valid_from       TEXT NOT NULL,
	valid_to         TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (retailer, week_key, id)
)`

const offerColumns = `id, retailer, week_key, title, price, original_price, discount_percent,
	unit, brand, category, image_url, page, price_type, unit_price, valid_from, valid_to, updated_at`

// SQLStore stores offers in sqlite3 or postgres. Both accept $n placeholders.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens the database, verifies the connection and migrates the schema.
func OpenSQL(ctx context.Context, driver, dsn string, maxOpenConns int) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s: empty dsn", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set connection pool settings
	if driver == "sqlite3" {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate offers table (%s): %w", s.driver, err)
	}
	return nil
}

// Upsert deletes the partition and inserts offers in one transaction.
func (s *SQLStore) Upsert(ctx context.Context, retailer domain.Retailer, week domain.WeekKey, offers []domain.Offer) error {
	if err := checkPartition(retailer, week, offers); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM offers WHERE retailer = $1 AND week_key = $2`,
		string(retailer), string(week),
	); err != nil {
		return fmt.Errorf("clear partition %s/%s: %w", retailer, week, err)
	}

	if len(offers) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO offers (`+offerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, o := range offers {
			if _, err := stmt.ExecContext(ctx,
				o.ID, string(o.Retailer), string(o.WeekKey), o.Title, o.Price.StringFixed(2),
				nullDecimal(o.OriginalPrice), nullInt(o.DiscountPercent),
				o.Unit, o.Brand, o.Category, o.ImageURL, o.Page, o.PriceType, o.UnitPrice,
				o.ValidFrom.String(), o.ValidTo.String(), o.UpdatedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return fmt.Errorf("insert offer %s: %w", o.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit partition %s/%s: %w", retailer, week, err)
	}
	return nil
}

// Query returns matching offers ordered by retailer, week, page, title and id.
func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]domain.Offer, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Retailer != nil {
		args = append(args, string(*filter.Retailer))
		where = append(where, fmt.Sprintf("retailer = $%d", len(args)))
	}
	if filter.WeekKey != nil {
		args = append(args, string(*filter.WeekKey))
		where = append(where, fmt.Sprintf("week_key = $%d", len(args)))
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY retailer, week_key, page, title, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()

	var out []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}

	// Collations differ between drivers; the canonical order is byte order.
	domain.SortOffers(out)
	return out, nil
}

// Partitions lists non-empty partitions ordered by retailer and week.
func (s *SQLStore) Partitions(ctx context.Context) ([]domain.Partition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT retailer, week_key, COUNT(*)
		FROM offers
		GROUP BY retailer, week_key
		ORDER BY retailer, week_key
	`)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Partition
	for rows.Next() {
		var (
			p            domain.Partition
			retailer, wk string
		)
		if err := rows.Scan(&retailer, &wk, &p.Count); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		p.Retailer, p.WeekKey = domain.Retailer(retailer), domain.WeekKey(wk)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	sortPartitions(out)
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanOffer(rows *sql.Rows) (domain.Offer, error) {
	var (
		o                              domain.Offer
		retailer, week, price, updated string
		validFrom, validTo             string
		original                       sql.NullString
		discount                       sql.NullInt64
	)
	if err := rows.Scan(
		&o.ID, &retailer, &week, &o.Title, &price, &original, &discount,
		&o.Unit, &o.Brand, &o.Category, &o.ImageURL, &o.Page, &o.PriceType, &o.UnitPrice,
		&validFrom, &validTo, &updated,
	); err != nil {
		return o, fmt.Errorf("scan offer: %w", err)
	}

	o.Retailer, o.WeekKey = domain.Retailer(retailer), domain.WeekKey(week)

	p, err := decimal.NewFromString(price)
	if err != nil {
		return o, fmt.Errorf("offer %s price: %w", o.ID, err)
	}
	o.Price = p.Round(2)

	if original.Valid {
		op, err := decimal.NewFromString(original.String)
		if err != nil {
			return o, fmt.Errorf("offer %s original price: %w", o.ID, err)
		}
		op = op.Round(2)
		o.OriginalPrice = &op
	}
	if discount.Valid {
		d := int(discount.Int64)
		o.DiscountPercent = &d
	}

	if o.ValidFrom, err = domain.ParseDate(validFrom); err != nil {
		return o, fmt.Errorf("offer %s valid_from: %w", o.ID, err)
	}
	if o.ValidTo, err = domain.ParseDate(validTo); err != nil {
		return o, fmt.Errorf("offer %s valid_to: %w", o.ID, err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return o, fmt.Errorf("offer %s updated_at: %w", o.ID, err)
	}
	return o, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.StringFixed(2), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
