package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillbridge/backend/internal/domain"
	"tillbridge/backend/internal/store"
	"tillbridge/backend/internal/xid"
)

const balanceTolerance = 1e-6

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertItem(ctx context.Context, item domain.Item) error {
	if item.ItemID == "" {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (item_id, parent_id, name, brand, tax_rate, is_template, active, modified, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (item_id) DO UPDATE SET
			parent_id = COALESCE(EXCLUDED.parent_id, items.parent_id),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), items.name),
			brand = COALESCE(NULLIF(EXCLUDED.brand, ''), items.brand),
			tax_rate = EXCLUDED.tax_rate,
			is_template = EXCLUDED.is_template,
			active = EXCLUDED.active,
			modified = COALESCE(NULLIF(EXCLUDED.modified, ''), items.modified),
			updated_at = now()
	`, item.ItemID, nullIfEmpty(item.ParentID), item.Name, item.Brand, item.TaxRate,
		item.IsTemplate, item.Active, item.Modified)
	return err
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var item domain.Item
	var parentID, brand, modified sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, parent_id, name, brand, tax_rate, is_template, active, modified, updated_at
		FROM items
		WHERE item_id = $1
	`, itemID).Scan(&item.ItemID, &parentID, &item.Name, &brand, &item.TaxRate,
		&item.IsTemplate, &item.Active, &modified, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.ParentID = parentID.String
	item.Brand = brand.String
	item.Modified = modified.String
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, activeOnly bool, limit int) ([]domain.Item, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, parent_id, name, brand, tax_rate, is_template, active, modified, updated_at
		FROM items
		WHERE ($1 = false OR active = true)
		ORDER BY item_id
		LIMIT $2
	`, activeOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, limit)
	for rows.Next() {
		var item domain.Item
		var parentID, brand, modified sql.NullString
		if err := rows.Scan(&item.ItemID, &parentID, &item.Name, &brand, &item.TaxRate,
			&item.IsTemplate, &item.Active, &modified, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.ParentID = parentID.String
		item.Brand = brand.String
		item.Modified = modified.String
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertBarcode(ctx context.Context, barcode domain.Barcode) error {
	if barcode.Barcode == "" || barcode.ItemID == "" {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO barcodes (barcode, item_id, uom, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (barcode) DO UPDATE SET
			item_id = EXCLUDED.item_id,
			uom = COALESCE(NULLIF(EXCLUDED.uom, ''), barcodes.uom),
			updated_at = now()
	`, barcode.Barcode, barcode.ItemID, barcode.UOM)
	return err
}

func (s *Store) ResolveBarcode(ctx context.Context, barcode string) (*domain.Barcode, error) {
	var bc domain.Barcode
	var uom sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT barcode, item_id, uom FROM barcodes WHERE barcode = $1
	`, barcode).Scan(&bc.Barcode, &bc.ItemID, &uom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	bc.UOM = uom.String
	return &bc, nil
}

func (s *Store) UpsertAttribute(ctx context.Context, attr domain.ItemAttribute) error {
	if attr.ItemID == "" || attr.Attribute == "" {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_attributes (item_id, attribute, value, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (item_id, attribute) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()
	`, attr.ItemID, attr.Attribute, attr.Value)
	return err
}

func (s *Store) ListAttributes(ctx context.Context, itemID string) ([]domain.ItemAttribute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, attribute, value FROM item_attributes WHERE item_id = $1 ORDER BY attribute
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make([]domain.ItemAttribute, 0, 8)
	for rows.Next() {
		var attr domain.ItemAttribute
		if err := rows.Scan(&attr.ItemID, &attr.Attribute, &attr.Value); err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (s *Store) SetStock(ctx context.Context, level domain.StockLevel) error {
	if level.ItemID == "" || level.Warehouse == "" {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (item_id, warehouse, qty, updated_at)
		VALUES ($1,$2,GREATEST(0, $3::numeric),now())
		ON CONFLICT (item_id, warehouse) DO UPDATE SET
			qty = GREATEST(0, EXCLUDED.qty),
			updated_at = now()
	`, level.ItemID, level.Warehouse, level.Qty)
	return err
}

func (s *Store) GetStock(ctx context.Context, itemID string, warehouse string) (float64, error) {
	var qty float64
	err := s.db.QueryRowContext(ctx, `
		SELECT qty FROM stock_levels WHERE item_id = $1 AND warehouse = $2
	`, itemID, warehouse).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) UpsertPrice(ctx context.Context, price domain.ItemPrice) error {
	if price.ItemID == "" || price.PriceList == "" {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_prices (item_id, price_list, rate, currency, modified, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (item_id, price_list) DO UPDATE SET
			rate = EXCLUDED.rate,
			currency = COALESCE(NULLIF(EXCLUDED.currency, ''), item_prices.currency),
			modified = COALESCE(NULLIF(EXCLUDED.modified, ''), item_prices.modified),
			updated_at = now()
	`, price.ItemID, price.PriceList, price.Rate, price.Currency, price.Modified)
	return err
}

func (s *Store) GetPrice(ctx context.Context, itemID string, priceList string) (*domain.ItemPrice, error) {
	var price domain.ItemPrice
	var currency, modified sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, price_list, rate, currency, modified
		FROM item_prices
		WHERE item_id = $1 AND price_list = $2
	`, itemID, priceList).Scan(&price.ItemID, &price.PriceList, &price.Rate, &currency, &modified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	price.Currency = currency.String
	price.Modified = modified.String
	return &price, nil
}

// CreateSale runs the whole checkout in one serializable transaction:
// header, lines, stock decrements, payments, voucher redemptions and the
// outbox rows all commit together or not at all.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.SaleID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.QueueStatus == "" {
		sale.QueueStatus = domain.QueueStatusQueued
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			sale_id, cashier, customer_id, warehouse, subtotal, discount, tax, total,
			change_given, pay_status, queue_status, erp_ref, payload, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.SaleID, sale.Cashier, nullIfEmpty(sale.CustomerID), sale.Warehouse,
		sale.Subtotal, sale.Discount, sale.Tax, sale.Total, sale.ChangeGiven,
		sale.PayStatus, sale.QueueStatus, nullIfEmpty(sale.ErpRef), []byte(sale.Payload), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.GetSale(ctx, sale.SaleID)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		// Stub unseen items so a stale catalog never blocks checkout.
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO items (item_id, name, active, updated_at)
			VALUES ($1,$2,true,now())
			ON CONFLICT (item_id) DO NOTHING
		`, line.ItemID, line.ItemName)
		if err != nil {
			return nil, err
		}

		attrs, marshalErr := json.Marshal(line.Attributes)
		if marshalErr != nil {
			return nil, marshalErr
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, item_id, item_name, qty, rate, amount, barcode_used, attributes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, sale.SaleID, line.LineNo, line.ItemID, line.ItemName, line.Qty, line.Rate,
			line.Amount, nullIfEmpty(line.BarcodeUsed), attrs)
		if err != nil {
			return nil, err
		}

		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO stock_levels (item_id, warehouse, qty, updated_at)
			VALUES ($1,$2,0,now())
			ON CONFLICT (item_id, warehouse) DO UPDATE SET
				qty = GREATEST(0, stock_levels.qty - $3::numeric),
				updated_at = now()
		`, line.ItemID, sale.Warehouse, line.Qty)
		if err != nil {
			return nil, err
		}
	}

	for _, payment := range sale.Payments {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_payments (sale_id, seq, method, amount, currency, amount_base, rate)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.SaleID, payment.Seq, payment.Method, payment.Amount, payment.Currency,
			payment.AmountBase, payment.Rate)
		if err != nil {
			return nil, err
		}
	}

	for i := range sale.Redemptions {
		r := &sale.Redemptions[i]
		var active bool
		err = pgTx.QueryRowContext(ctx, `
			SELECT active FROM vouchers WHERE code = $1 FOR UPDATE
		`, r.Code).Scan(&active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("voucher %s: %w", r.Code, store.ErrNotFound)
			}
			return nil, err
		}

		var balance float64
		err = pgTx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM voucher_entries WHERE code = $1
		`, r.Code).Scan(&balance)
		if err != nil {
			return nil, err
		}
		if !active {
			balance = 0
		}
		if balance < r.Amount-balanceTolerance {
			return nil, fmt.Errorf("voucher %s balance %.2f: %w", r.Code, balance, store.ErrInsufficientBalance)
		}

		r.BalanceAfter = balance - r.Amount
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO voucher_entries (id, code, entry_type, amount, sale_id, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, xid.New("ve"), r.Code, domain.VoucherEntryRedeem, -r.Amount, sale.SaleID,
			"POS redemption", sale.CreatedAt)
		if err != nil {
			return nil, err
		}

		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_redemptions (sale_id, code, amount, balance_after)
			VALUES ($1,$2,$3,$4)
		`, sale.SaleID, r.Code, r.Amount, r.BalanceAfter)
		if err != nil {
			return nil, err
		}

		eventPayload, marshalErr := json.Marshal(map[string]any{
			"code":    r.Code,
			"amount":  -r.Amount,
			"balance": r.BalanceAfter,
			"sale_id": sale.SaleID,
		})
		if marshalErr != nil {
			return nil, marshalErr
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO outbox (kind, ref_id, payload, created_at)
			VALUES ($1,$2,$3,$4)
		`, domain.OutboxKindVoucherEvent, r.Code, eventPayload, sale.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO outbox (kind, ref_id, payload, created_at)
		VALUES ($1,$2,$3,$4)
	`, domain.OutboxKindSale, sale.SaleID, []byte(sale.Payload), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID, erpRef sql.NullString
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sale_id, cashier, customer_id, warehouse, subtotal, discount, tax, total,
			change_given, pay_status, queue_status, erp_ref, payload, created_at
		FROM sales
		WHERE sale_id = $1
	`, saleID).Scan(&sale.SaleID, &sale.Cashier, &customerID, &sale.Warehouse,
		&sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total, &sale.ChangeGiven,
		&sale.PayStatus, &sale.QueueStatus, &erpRef, &payload, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.ErpRef = erpRef.String
	sale.Payload = payload
	sale.CreatedAt = sale.CreatedAt.UTC()

	if err := s.loadSaleChildren(ctx, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) loadSaleChildren(ctx context.Context, sale *domain.Sale) error {
	lineRows, err := s.db.QueryContext(ctx, `
		SELECT line_no, item_id, item_name, qty, rate, amount, barcode_used, attributes
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.SaleID)
	if err != nil {
		return err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var line domain.SaleLine
		var barcodeUsed sql.NullString
		var attrs []byte
		if err := lineRows.Scan(&line.LineNo, &line.ItemID, &line.ItemName, &line.Qty,
			&line.Rate, &line.Amount, &barcodeUsed, &attrs); err != nil {
			return err
		}
		line.BarcodeUsed = barcodeUsed.String
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &line.Attributes); err != nil {
				return err
			}
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return err
	}

	payRows, err := s.db.QueryContext(ctx, `
		SELECT seq, method, amount, currency, amount_base, rate
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY seq
	`, sale.SaleID)
	if err != nil {
		return err
	}
	defer payRows.Close()

	for payRows.Next() {
		var payment domain.SalePayment
		if err := payRows.Scan(&payment.Seq, &payment.Method, &payment.Amount,
			&payment.Currency, &payment.AmountBase, &payment.Rate); err != nil {
			return err
		}
		sale.Payments = append(sale.Payments, payment)
	}
	if err := payRows.Err(); err != nil {
		return err
	}

	redRows, err := s.db.QueryContext(ctx, `
		SELECT code, amount, balance_after
		FROM sale_redemptions
		WHERE sale_id = $1
		ORDER BY code
	`, sale.SaleID)
	if err != nil {
		return err
	}
	defer redRows.Close()

	for redRows.Next() {
		var r domain.VoucherRedemption
		if err := redRows.Scan(&r.Code, &r.Amount, &r.BalanceAfter); err != nil {
			return err
		}
		sale.Redemptions = append(sale.Redemptions, r)
	}
	return redRows.Err()
}

func (s *Store) ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, cashier, customer_id, warehouse, subtotal, discount, tax, total,
			change_given, pay_status, queue_status, erp_ref, created_at
		FROM sales
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID, erpRef sql.NullString
		if err := rows.Scan(&sale.SaleID, &sale.Cashier, &customerID, &sale.Warehouse,
			&sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total, &sale.ChangeGiven,
			&sale.PayStatus, &sale.QueueStatus, &erpRef, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CustomerID = customerID.String
		sale.ErpRef = erpRef.String
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) SetSaleQueueStatus(ctx context.Context, saleID string, status string, erpRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET queue_status = $2,
			erp_ref = COALESCE($3, erp_ref),
			status_changed_at = $4
		WHERE sale_id = $1
	`, saleID, status, nullIfEmpty(erpRef), at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaleStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_status, COUNT(*) FROM sales GROUP BY queue_status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64, 4)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *Store) CreateVoucher(ctx context.Context, voucher domain.Voucher) (*domain.Voucher, error) {
	if voucher.Code == "" || voucher.InitialValue <= 0 {
		return nil, store.ErrInvalidSale
	}
	if voucher.IssuedAt.IsZero() {
		voucher.IssuedAt = time.Now().UTC()
	}
	voucher.Active = true

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO vouchers (code, initial_value, issued_to, note, active, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, voucher.Code, voucher.InitialValue, nullIfEmpty(voucher.IssuedTo),
		nullIfEmpty(voucher.Note), voucher.Active, voucher.IssuedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateVoucher
		}
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO voucher_entries (id, code, entry_type, amount, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, xid.New("ve"), voucher.Code, domain.VoucherEntryIssue, voucher.InitialValue,
		"issued", voucher.IssuedAt)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"code":    voucher.Code,
		"amount":  voucher.InitialValue,
		"balance": voucher.InitialValue,
	})
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO outbox (kind, ref_id, payload, created_at)
		VALUES ($1,$2,$3,$4)
	`, domain.OutboxKindVoucherEvent, voucher.Code, payload, voucher.IssuedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := voucher
	return &created, nil
}

func (s *Store) GetVoucher(ctx context.Context, code string) (*domain.Voucher, error) {
	var voucher domain.Voucher
	var issuedTo, note sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT code, initial_value, issued_to, note, active, issued_at
		FROM vouchers
		WHERE code = $1
	`, code).Scan(&voucher.Code, &voucher.InitialValue, &issuedTo, &note,
		&voucher.Active, &voucher.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	voucher.IssuedTo = issuedTo.String
	voucher.Note = note.String
	voucher.IssuedAt = voucher.IssuedAt.UTC()
	return &voucher, nil
}

func (s *Store) VoucherBalance(ctx context.Context, code string) (float64, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT active FROM vouchers WHERE code = $1
	`, code).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	if !active {
		return 0, nil
	}

	var balance float64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM voucher_entries WHERE code = $1
	`, code).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) AppendVoucherEntry(ctx context.Context, entry domain.VoucherEntry) error {
	if entry.Code == "" || entry.EntryType == "" {
		return store.ErrInvalidSale
	}
	if entry.ID == "" {
		entry.ID = xid.New("ve")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO voucher_entries (id, code, entry_type, amount, sale_id, note, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM vouchers WHERE code = $2)
	`, entry.ID, entry.Code, entry.EntryType, entry.Amount, nullIfEmpty(entry.SaleID),
		nullIfEmpty(entry.Note), entry.CreatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListVoucherEntries(ctx context.Context, code string) ([]domain.VoucherEntry, error) {
	if _, err := s.GetVoucher(ctx, code); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, entry_type, amount, sale_id, note, created_at
		FROM voucher_entries
		WHERE code = $1
		ORDER BY created_at, id
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.VoucherEntry, 0, 8)
	for rows.Next() {
		var entry domain.VoucherEntry
		var saleID, note sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Code, &entry.EntryType, &entry.Amount,
			&saleID, &note, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.SaleID = saleID.String
		entry.Note = note.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, ref_id, payload, attempts, last_error, created_at
		FROM outbox
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.OutboxEntry, 0, limit)
	for rows.Next() {
		var entry domain.OutboxEntry
		var lastError sql.NullString
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.Kind, &entry.RefID, &payload,
			&entry.Attempts, &lastError, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Payload = payload
		entry.LastError = lastError.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListFailedOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, ref_id, payload, attempts, last_error, created_at
		FROM outbox
		WHERE attempts > 0
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.OutboxEntry, 0, limit)
	for rows.Next() {
		var entry domain.OutboxEntry
		var lastError sql.NullString
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.Kind, &entry.RefID, &payload,
			&entry.Attempts, &lastError, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Payload = payload
		entry.LastError = lastError.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteOutbox(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = $1`, seq)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkOutboxFailure(ctx context.Context, seq int64, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE seq = $1
	`, seq, errText)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountOutbox(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count)
	return count, err
}

func (s *Store) GetCursor(ctx context.Context, entity string) (*domain.SyncCursor, error) {
	var cursor domain.SyncCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT entity, last_modified, last_name, updated_at
		FROM sync_cursors
		WHERE entity = $1
	`, entity).Scan(&cursor.Entity, &cursor.LastModified, &cursor.LastName, &cursor.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	cursor.UpdatedAt = cursor.UpdatedAt.UTC()
	return &cursor, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, cursor domain.SyncCursor) error {
	if cursor.Entity == "" {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity, last_modified, last_name, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (entity) DO UPDATE SET
			last_modified = EXCLUDED.last_modified,
			last_name = EXCLUDED.last_name,
			updated_at = now()
	`, cursor.Entity, cursor.LastModified, cursor.LastName)
	return err
}

func (s *Store) ListCursors(ctx context.Context) ([]domain.SyncCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, last_modified, last_name, updated_at
		FROM sync_cursors
		ORDER BY entity
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cursors := make([]domain.SyncCursor, 0, 8)
	for rows.Next() {
		var cursor domain.SyncCursor
		if err := rows.Scan(&cursor.Entity, &cursor.LastModified, &cursor.LastName, &cursor.UpdatedAt); err != nil {
			return nil, err
		}
		cursor.UpdatedAt = cursor.UpdatedAt.UTC()
		cursors = append(cursors, cursor)
	}
	return cursors, rows.Err()
}

func (s *Store) UpsertRate(ctx context.Context, rate domain.CurrencyRate) error {
	if rate.Base == "" || rate.Target == "" || rate.RateToBase <= 0 {
		return store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO currency_rates (base_currency, target_currency, rate_to_base, last_updated)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (base_currency, target_currency) DO UPDATE SET
			rate_to_base = EXCLUDED.rate_to_base,
			last_updated = now()
	`, rate.Base, rate.Target, rate.RateToBase)
	return err
}

func (s *Store) GetRate(ctx context.Context, base string, target string) (*domain.CurrencyRate, error) {
	var rate domain.CurrencyRate
	err := s.db.QueryRowContext(ctx, `
		SELECT base_currency, target_currency, rate_to_base, last_updated
		FROM currency_rates
		WHERE base_currency = $1 AND target_currency = $2
	`, base, target).Scan(&rate.Base, &rate.Target, &rate.RateToBase, &rate.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rate.LastUpdated = rate.LastUpdated.UTC()
	return &rate, nil
}

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.TerminalID == "" || len(held.Payload) == 0 {
		return nil, store.ErrInvalidSale
	}
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO held_carts (id, terminal_id, cashier, note, payload, held_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, held.ID, held.TerminalID, held.Cashier, nullIfEmpty(held.Note), []byte(held.Payload), held.HeldAt)
	if err != nil {
		return nil, err
	}
	created := held
	return &created, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, cashier, note, payload, held_at
		FROM held_carts
		WHERE ($1 = '' OR terminal_id = $1)
		ORDER BY held_at DESC
		LIMIT $2
	`, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	carts := make([]domain.HeldCart, 0, limit)
	for rows.Next() {
		var held domain.HeldCart
		var note sql.NullString
		var payload []byte
		if err := rows.Scan(&held.ID, &held.TerminalID, &held.Cashier, &note, &payload, &held.HeldAt); err != nil {
			return nil, err
		}
		held.Note = note.String
		held.Payload = payload
		held.HeldAt = held.HeldAt.UTC()
		carts = append(carts, held)
	}
	return carts, rows.Err()
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	var held domain.HeldCart
	var note sql.NullString
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM held_carts
		WHERE id = $1
		RETURNING id, terminal_id, cashier, note, payload, held_at
	`, holdID).Scan(&held.ID, &held.TerminalID, &held.Cashier, &note, &payload, &held.HeldAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	held.Note = note.String
	held.Payload = payload
	held.HeldAt = held.HeldAt.UTC()
	return &held, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	var fullName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, full_name, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &fullName, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.FullName = fullName.String
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) UpsertUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, full_name, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = COALESCE(NULLIF(EXCLUDED.password_hash, ''), users.password_hash),
			full_name = COALESCE(NULLIF(EXCLUDED.full_name, ''), users.full_name),
			role = COALESCE(NULLIF(EXCLUDED.role, ''), users.role),
			active = CASE WHEN EXCLUDED.password_hash = '' THEN users.active ELSE EXCLUDED.active END
	`, user.Username, user.Password, user.FullName, user.Role, user.Active, user.CreatedAt)
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, full_name, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var fullName sql.NullString
		if err := rows.Scan(&user.Username, &user.Password, &fullName, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.FullName = fullName.String
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	if passwordHash == "" {
		return store.ErrInvalidSale
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, active = true WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
