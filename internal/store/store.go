package store

import (
	"context"
	"errors"
	"time"

	"tillbridge/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient voucher balance")
	ErrDuplicateVoucher    = errors.New("voucher code already exists")
	ErrInvalidSale         = errors.New("invalid sale")
)

// Repository is the single serialization point for local state. CreateSale
// and CreateVoucher are transactional: every write they perform becomes
// visible atomically or not at all, including their outbox rows.
type Repository interface {
	UpsertItem(ctx context.Context, item domain.Item) error
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	ListItems(ctx context.Context, activeOnly bool, limit int) ([]domain.Item, error)
	UpsertBarcode(ctx context.Context, barcode domain.Barcode) error
	ResolveBarcode(ctx context.Context, barcode string) (*domain.Barcode, error)
	UpsertAttribute(ctx context.Context, attr domain.ItemAttribute) error
	ListAttributes(ctx context.Context, itemID string) ([]domain.ItemAttribute, error)
	SetStock(ctx context.Context, level domain.StockLevel) error
	GetStock(ctx context.Context, itemID string, warehouse string) (float64, error)
	UpsertPrice(ctx context.Context, price domain.ItemPrice) error
	GetPrice(ctx context.Context, itemID string, priceList string) (*domain.ItemPrice, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error)
	SetSaleQueueStatus(ctx context.Context, saleID string, status string, erpRef string, at time.Time) error
	SaleStatusCounts(ctx context.Context) (map[string]int64, error)

	CreateVoucher(ctx context.Context, voucher domain.Voucher) (*domain.Voucher, error)
	GetVoucher(ctx context.Context, code string) (*domain.Voucher, error)
	VoucherBalance(ctx context.Context, code string) (float64, error)
	AppendVoucherEntry(ctx context.Context, entry domain.VoucherEntry) error
	ListVoucherEntries(ctx context.Context, code string) ([]domain.VoucherEntry, error)

	ListOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	ListFailedOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, seq int64) error
	MarkOutboxFailure(ctx context.Context, seq int64, errText string) error
	CountOutbox(ctx context.Context) (int64, error)

	GetCursor(ctx context.Context, entity string) (*domain.SyncCursor, error)
	AdvanceCursor(ctx context.Context, cursor domain.SyncCursor) error
	ListCursors(ctx context.Context) ([]domain.SyncCursor, error)

	UpsertRate(ctx context.Context, rate domain.CurrencyRate) error
	GetRate(ctx context.Context, base string, target string) (*domain.CurrencyRate, error)

	CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error)
	ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.HeldCart, error)
	PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpsertUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error
}
