package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tillbridge/backend/internal/domain"
	"tillbridge/backend/internal/store"
	"tillbridge/backend/internal/xid"
)

const balanceTolerance = 1e-6

type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.Item
	barcodes        map[string]domain.Barcode
	attributes      map[string][]domain.ItemAttribute
	stock           map[string]float64
	prices          map[string]domain.ItemPrice
	salesByID       map[string]*domain.Sale
	saleOrder       []string
	vouchersByCode  map[string]domain.Voucher
	voucherEntries  map[string][]domain.VoucherEntry
	outbox          []domain.OutboxEntry
	outboxSeq       int64
	cursors         map[string]domain.SyncCursor
	rates           map[string]domain.CurrencyRate
	heldCartsByID   map[string]domain.HeldCart
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		items:           make(map[string]domain.Item),
		barcodes:        make(map[string]domain.Barcode),
		attributes:      make(map[string][]domain.ItemAttribute),
		stock:           make(map[string]float64),
		prices:          make(map[string]domain.ItemPrice),
		salesByID:       make(map[string]*domain.Sale),
		saleOrder:       make([]string, 0, 64),
		vouchersByCode:  make(map[string]domain.Voucher),
		voucherEntries:  make(map[string][]domain.VoucherEntry),
		outbox:          make([]domain.OutboxEntry, 0, 64),
		cursors:         make(map[string]domain.SyncCursor),
		rates:           make(map[string]domain.CurrencyRate),
		heldCartsByID:   make(map[string]domain.HeldCart),
		usersByUsername: seedUsers(),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. Production runs
// use PostgreSQL (DATABASE_URL set) and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	items := []domain.Item{
		{ItemID: "ITM-TSHIRT", Name: "Plain T-Shirt", Brand: "HouseBrand", TaxRate: 20, IsTemplate: true, Active: true, UpdatedAt: now},
		{ItemID: "ITM-TSHIRT-M-BLK", ParentID: "ITM-TSHIRT", Name: "Plain T-Shirt M Black", Brand: "HouseBrand", TaxRate: 20, Active: true, UpdatedAt: now},
		{ItemID: "ITM-TSHIRT-L-BLK", ParentID: "ITM-TSHIRT", Name: "Plain T-Shirt L Black", Brand: "HouseBrand", TaxRate: 20, Active: true, UpdatedAt: now},
		{ItemID: "ITM-MUG", Name: "Ceramic Mug", Brand: "HouseBrand", TaxRate: 20, Active: true, UpdatedAt: now},
		{ItemID: "ITM-TOTE", Name: "Canvas Tote Bag", Brand: "HouseBrand", TaxRate: 0, Active: true, UpdatedAt: now},
	}
	for _, it := range items {
		s.items[it.ItemID] = it
	}

	s.barcodes["5012345678900"] = domain.Barcode{Barcode: "5012345678900", ItemID: "ITM-MUG"}
	s.barcodes["5012345678917"] = domain.Barcode{Barcode: "5012345678917", ItemID: "ITM-TOTE"}
	s.barcodes["5012345678924"] = domain.Barcode{Barcode: "5012345678924", ItemID: "ITM-TSHIRT-M-BLK"}

	s.attributes["ITM-TSHIRT-M-BLK"] = []domain.ItemAttribute{
		{ItemID: "ITM-TSHIRT-M-BLK", Attribute: "Size", Value: "M"},
		{ItemID: "ITM-TSHIRT-M-BLK", Attribute: "Colour", Value: "Black"},
	}
	s.attributes["ITM-TSHIRT-L-BLK"] = []domain.ItemAttribute{
		{ItemID: "ITM-TSHIRT-L-BLK", Attribute: "Size", Value: "L"},
		{ItemID: "ITM-TSHIRT-L-BLK", Attribute: "Colour", Value: "Black"},
	}

	for _, it := range items {
		if it.IsTemplate {
			continue
		}
		s.stock[stockKey(it.ItemID, "Shop")] = 25
	}

	for _, p := range []domain.ItemPrice{
		{ItemID: "ITM-TSHIRT-M-BLK", PriceList: "Standard Selling", Rate: 12.50, Currency: "GBP"},
		{ItemID: "ITM-TSHIRT-L-BLK", PriceList: "Standard Selling", Rate: 12.50, Currency: "GBP"},
		{ItemID: "ITM-MUG", PriceList: "Standard Selling", Rate: 6.00, Currency: "GBP"},
		{ItemID: "ITM-TOTE", PriceList: "Standard Selling", Rate: 4.25, Currency: "GBP"},
	} {
		s.prices[priceKey(p.ItemID, p.PriceList)] = p
	}

	s.rates["GBP:EUR"] = domain.CurrencyRate{Base: "GBP", Target: "EUR", RateToBase: 1.1847, LastUpdated: now}

	voucher := domain.Voucher{Code: "GV-DEMO", InitialValue: 25, Note: "demo voucher", Active: true, IssuedAt: now}
	s.vouchersByCode[voucher.Code] = voucher
	s.voucherEntries[voucher.Code] = []domain.VoucherEntry{{
		ID:        xid.New("ve"),
		Code:      voucher.Code,
		EntryType: domain.VoucherEntryIssue,
		Amount:    voucher.InitialValue,
		Note:      "issued",
		CreatedAt: now,
	}}

	return s
}

func stockKey(itemID string, warehouse string) string {
	return itemID + "|" + warehouse
}

func priceKey(itemID string, priceList string) string {
	return itemID + "|" + priceList
}

func rateKey(base string, target string) string {
	return base + ":" + target
}

func (s *Store) UpsertItem(_ context.Context, item domain.Item) error {
	if item.ItemID == "" {
		return store.ErrInvalidSale
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ItemID]
	if ok {
		// Prefer incoming non-empty values, keep what the remote omitted.
		if item.Name == "" {
			item.Name = existing.Name
		}
		if item.Brand == "" {
			item.Brand = existing.Brand
		}
		if item.ParentID == "" {
			item.ParentID = existing.ParentID
		}
		if item.Modified == "" {
			item.Modified = existing.Modified
		}
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	s.items[item.ItemID] = item
	return nil
}

func (s *Store) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := item
	return &clone, nil
}

func (s *Store) ListItems(_ context.Context, activeOnly bool, limit int) ([]domain.Item, error) {
	if limit < 1 {
		limit = 200
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		if activeOnly && !item.Active {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		return strings.Compare(a.ItemID, b.ItemID)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) UpsertBarcode(_ context.Context, barcode domain.Barcode) error {
	if barcode.Barcode == "" || barcode.ItemID == "" {
		return store.ErrInvalidSale
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barcodes[barcode.Barcode] = barcode
	return nil
}

func (s *Store) ResolveBarcode(_ context.Context, barcode string) (*domain.Barcode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bc, ok := s.barcodes[barcode]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := bc
	return &clone, nil
}

func (s *Store) UpsertAttribute(_ context.Context, attr domain.ItemAttribute) error {
	if attr.ItemID == "" || attr.Attribute == "" {
		return store.ErrInvalidSale
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.attributes[attr.ItemID]
	for i := range list {
		if list[i].Attribute == attr.Attribute {
			list[i].Value = attr.Value
			s.attributes[attr.ItemID] = list
			return nil
		}
	}
	s.attributes[attr.ItemID] = append(list, attr)
	return nil
}

func (s *Store) ListAttributes(_ context.Context, itemID string) ([]domain.ItemAttribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.attributes[itemID]
	out := make([]domain.ItemAttribute, len(list))
	copy(out, list)
	return out, nil
}

func (s *Store) SetStock(_ context.Context, level domain.StockLevel) error {
	if level.ItemID == "" || level.Warehouse == "" {
		return store.ErrInvalidSale
	}
	qty := level.Qty
	if qty < 0 {
		qty = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey(level.ItemID, level.Warehouse)] = qty
	return nil
}

func (s *Store) GetStock(_ context.Context, itemID string, warehouse string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qty, ok := s.stock[stockKey(itemID, warehouse)]
	if !ok {
		return 0, store.ErrNotFound
	}
	return qty, nil
}

func (s *Store) UpsertPrice(_ context.Context, price domain.ItemPrice) error {
	if price.ItemID == "" || price.PriceList == "" {
		return store.ErrInvalidSale
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[priceKey(price.ItemID, price.PriceList)] = price
	return nil
}

func (s *Store) GetPrice(_ context.Context, itemID string, priceList string) (*domain.ItemPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[priceKey(itemID, priceList)]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := price
	return &clone, nil
}

// CreateSale applies the whole checkout atomically: all balance checks run
// before the first mutation, so a rejected redemption leaves stock, ledger
// and outbox untouched.
func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.SaleID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}
	now := time.Now().UTC()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.QueueStatus == "" {
		sale.QueueStatus = domain.QueueStatusQueued
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.salesByID[sale.SaleID]; ok {
		return cloneSale(existing), nil
	}

	// Pending tracks amounts already claimed by earlier redemptions in this
	// sale, so two redemptions of one code cannot jointly overdraw it.
	pending := make(map[string]float64, len(sale.Redemptions))
	for _, r := range sale.Redemptions {
		head, ok := s.vouchersByCode[r.Code]
		if !ok {
			return nil, fmt.Errorf("voucher %s: %w", r.Code, store.ErrNotFound)
		}
		bal := 0.0
		if head.Active {
			for _, e := range s.voucherEntries[r.Code] {
				bal += e.Amount
			}
		}
		bal -= pending[r.Code]
		if bal < r.Amount-balanceTolerance {
			return nil, fmt.Errorf("voucher %s balance %.2f: %w", r.Code, bal, store.ErrInsufficientBalance)
		}
		pending[r.Code] += r.Amount
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if _, ok := s.items[line.ItemID]; !ok {
			// Stub unseen items so the sale never blocks on a stale catalog.
			s.items[line.ItemID] = domain.Item{
				ItemID:    line.ItemID,
				Name:      line.ItemName,
				Active:    true,
				UpdatedAt: now,
			}
		}
		key := stockKey(line.ItemID, sale.Warehouse)
		remaining := s.stock[key] - line.Qty
		if remaining < 0 {
			remaining = 0
		}
		s.stock[key] = remaining
	}

	for i := range sale.Redemptions {
		r := &sale.Redemptions[i]
		bal := 0.0
		for _, e := range s.voucherEntries[r.Code] {
			bal += e.Amount
		}
		bal -= r.Amount
		r.BalanceAfter = bal
		s.voucherEntries[r.Code] = append(s.voucherEntries[r.Code], domain.VoucherEntry{
			ID:        xid.New("ve"),
			Code:      r.Code,
			EntryType: domain.VoucherEntryRedeem,
			Amount:    -r.Amount,
			SaleID:    sale.SaleID,
			Note:      "POS redemption",
			CreatedAt: now,
		})
		payload, _ := json.Marshal(map[string]any{
			"code":    r.Code,
			"amount":  -r.Amount,
			"balance": bal,
			"sale_id": sale.SaleID,
		})
		s.appendOutboxLocked(domain.OutboxKindVoucherEvent, r.Code, payload, now)
	}

	s.appendOutboxLocked(domain.OutboxKindSale, sale.SaleID, sale.Payload, now)

	stored := sale
	s.salesByID[sale.SaleID] = &stored
	s.saleOrder = append(s.saleOrder, sale.SaleID)

	return cloneSale(&stored), nil
}

func (s *Store) appendOutboxLocked(kind string, refID string, payload json.RawMessage, at time.Time) {
	s.outboxSeq++
	s.outbox = append(s.outbox, domain.OutboxEntry{
		Seq:       s.outboxSeq,
		Kind:      kind,
		RefID:     refID,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: at,
	})
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	clone := *sale
	clone.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	clone.Payments = append([]domain.SalePayment(nil), sale.Payments...)
	clone.Redemptions = append([]domain.VoucherRedemption(nil), sale.Redemptions...)
	clone.Payload = append(json.RawMessage(nil), sale.Payload...)
	return &clone
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListRecentSales(_ context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *cloneSale(s.salesByID[s.saleOrder[i]]))
	}
	return out, nil
}

func (s *Store) SetSaleQueueStatus(_ context.Context, saleID string, status string, erpRef string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.QueueStatus = status
	if erpRef != "" {
		sale.ErpRef = erpRef
	}
	return nil
}

func (s *Store) SaleStatusCounts(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64, 4)
	for _, sale := range s.salesByID {
		counts[sale.QueueStatus]++
	}
	return counts, nil
}

func (s *Store) CreateVoucher(_ context.Context, voucher domain.Voucher) (*domain.Voucher, error) {
	if voucher.Code == "" || voucher.InitialValue <= 0 {
		return nil, store.ErrInvalidSale
	}
	now := time.Now().UTC()
	if voucher.IssuedAt.IsZero() {
		voucher.IssuedAt = now
	}
	voucher.Active = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vouchersByCode[voucher.Code]; ok {
		return nil, store.ErrDuplicateVoucher
	}
	s.vouchersByCode[voucher.Code] = voucher
	s.voucherEntries[voucher.Code] = []domain.VoucherEntry{{
		ID:        xid.New("ve"),
		Code:      voucher.Code,
		EntryType: domain.VoucherEntryIssue,
		Amount:    voucher.InitialValue,
		Note:      "issued",
		CreatedAt: voucher.IssuedAt,
	}}
	payload, _ := json.Marshal(map[string]any{
		"code":    voucher.Code,
		"amount":  voucher.InitialValue,
		"balance": voucher.InitialValue,
	})
	s.appendOutboxLocked(domain.OutboxKindVoucherEvent, voucher.Code, payload, now)

	clone := voucher
	return &clone, nil
}

func (s *Store) GetVoucher(_ context.Context, code string) (*domain.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	voucher, ok := s.vouchersByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := voucher
	return &clone, nil
}

func (s *Store) VoucherBalance(_ context.Context, code string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.vouchersByCode[code]
	if !ok {
		return 0, store.ErrNotFound
	}
	if !head.Active {
		return 0, nil
	}
	bal := 0.0
	for _, e := range s.voucherEntries[code] {
		bal += e.Amount
	}
	return bal, nil
}

func (s *Store) AppendVoucherEntry(_ context.Context, entry domain.VoucherEntry) error {
	if entry.Code == "" || entry.EntryType == "" {
		return store.ErrInvalidSale
	}
	if entry.ID == "" {
		entry.ID = xid.New("ve")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchersByCode[entry.Code]; !ok {
		return store.ErrNotFound
	}
	s.voucherEntries[entry.Code] = append(s.voucherEntries[entry.Code], entry)
	return nil
}

func (s *Store) ListVoucherEntries(_ context.Context, code string) ([]domain.VoucherEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.vouchersByCode[code]; !ok {
		return nil, store.ErrNotFound
	}
	entries := s.voucherEntries[code]
	out := make([]domain.VoucherEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) ListOutbox(_ context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OutboxEntry, 0, limit)
	for _, entry := range s.outbox {
		if len(out) == limit {
			break
		}
		clone := entry
		clone.Payload = append(json.RawMessage(nil), entry.Payload...)
		out = append(out, clone)
	}
	return out, nil
}

func (s *Store) ListFailedOutbox(_ context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OutboxEntry, 0, limit)
	for _, entry := range s.outbox {
		if entry.Attempts == 0 {
			continue
		}
		if len(out) == limit {
			break
		}
		clone := entry
		clone.Payload = append(json.RawMessage(nil), entry.Payload...)
		out = append(out, clone)
	}
	return out, nil
}

func (s *Store) DeleteOutbox(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.outbox {
		if entry.Seq == seq {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) MarkOutboxFailure(_ context.Context, seq int64, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].Seq == seq {
			s.outbox[i].Attempts++
			s.outbox[i].LastError = errText
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) CountOutbox(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.outbox)), nil
}

func (s *Store) GetCursor(_ context.Context, entity string) (*domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[entity]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cursor
	return &clone, nil
}

func (s *Store) AdvanceCursor(_ context.Context, cursor domain.SyncCursor) error {
	if cursor.Entity == "" {
		return store.ErrInvalidSale
	}
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.Entity] = cursor
	return nil
}

func (s *Store) ListCursors(_ context.Context) ([]domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncCursor, 0, len(s.cursors))
	for _, cursor := range s.cursors {
		out = append(out, cursor)
	}
	slices.SortFunc(out, func(a, b domain.SyncCursor) int {
		return strings.Compare(a.Entity, b.Entity)
	})
	return out, nil
}

func (s *Store) UpsertRate(_ context.Context, rate domain.CurrencyRate) error {
	if rate.Base == "" || rate.Target == "" || rate.RateToBase <= 0 {
		return store.ErrInvalidSale
	}
	if rate.LastUpdated.IsZero() {
		rate.LastUpdated = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[rateKey(rate.Base, rate.Target)] = rate
	return nil
}

func (s *Store) GetRate(_ context.Context, base string, target string) (*domain.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[rateKey(base, target)]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := rate
	return &clone, nil
}

func (s *Store) CreateHeldCart(_ context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.TerminalID == "" || len(held.Payload) == 0 {
		return nil, store.ErrInvalidSale
	}
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldCartsByID[held.ID] = held
	clone := held
	return &clone, nil
}

func (s *Store) ListHeldCarts(_ context.Context, terminalID string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.HeldCart, 0, limit)
	for _, held := range s.heldCartsByID {
		if terminalID != "" && held.TerminalID != terminalID {
			continue
		}
		out = append(out, held)
	}
	slices.SortFunc(out, func(a, b domain.HeldCart) int {
		return b.HeldAt.Compare(a.HeldAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PopHeldCart(_ context.Context, holdID string) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.heldCartsByID[holdID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	clone := held
	return &clone, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := user
	return &clone, nil
}

func (s *Store) UpsertUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.usersByUsername[user.Username]; ok {
		// Directory syncs never clobber a locally set password, role or
		// activation state.
		if user.Password == "" {
			user.Password = existing.Password
			user.Active = existing.Active
		}
		if user.Role == "" {
			user.Role = existing.Role
		}
		user.CreatedAt = existing.CreatedAt
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		out = append(out, user)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	if passwordHash == "" {
		return store.ErrInvalidSale
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = passwordHash
	user.Active = true
	s.usersByUsername[username] = user
	return nil
}
