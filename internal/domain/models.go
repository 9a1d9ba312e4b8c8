package domain

import (
	"encoding/json"
	"time"
)

// Item mirrors one catalog record pulled from the upstream ERP. Templates
// carry variants through ParentID; a template priced per-variant has no
// rate of its own.
type Item struct {
	ItemID     string    `json:"item_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Name       string    `json:"name"`
	Brand      string    `json:"brand,omitempty"`
	TaxRate    float64   `json:"tax_rate"`
	IsTemplate bool      `json:"is_template"`
	Active     bool      `json:"active"`
	Modified   string    `json:"modified,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type StockLevel struct {
	ItemID    string    `json:"item_id"`
	Warehouse string    `json:"warehouse"`
	Qty       float64   `json:"qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Barcode struct {
	Barcode string `json:"barcode"`
	ItemID  string `json:"item_id"`
	UOM     string `json:"uom,omitempty"`
}

type ItemAttribute struct {
	ItemID    string `json:"item_id"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

type ItemPrice struct {
	ItemID    string  `json:"item_id"`
	PriceList string  `json:"price_list"`
	Rate      float64 `json:"rate"`
	Currency  string  `json:"currency,omitempty"`
	Modified  string  `json:"modified,omitempty"`
}

// Voucher is the head record; value movements live exclusively in the
// append-only ledger. The issue entry carries the full initial value, so
// balance is always the plain sum of ledger amounts.
type Voucher struct {
	Code         string    `json:"code"`
	InitialValue float64   `json:"initial_value"`
	IssuedTo     string    `json:"issued_to,omitempty"`
	Note         string    `json:"note,omitempty"`
	Active       bool      `json:"active"`
	IssuedAt     time.Time `json:"issued_at"`
}

type VoucherEntry struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	EntryType string    `json:"entry_type"`
	Amount    float64   `json:"amount"`
	SaleID    string    `json:"sale_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SaleLine struct {
	LineNo      int               `json:"line_no"`
	ItemID      string            `json:"item_id"`
	ItemName    string            `json:"item_name,omitempty"`
	Qty         float64           `json:"qty"`
	Rate        float64           `json:"rate"`
	Amount      float64           `json:"amount"`
	BarcodeUsed string            `json:"barcode_used,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// SalePayment carries cross-currency metadata when the tender currency
// differs from the base: Amount is in Currency, AmountBase in the base
// currency, Rate is the per-sale effective rate used for the conversion.
type SalePayment struct {
	Seq        int     `json:"seq"`
	Method     string  `json:"method"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	AmountBase float64 `json:"amount_base"`
	Rate       float64 `json:"rate,omitempty"`
}

type VoucherRedemption struct {
	Code         string  `json:"code"`
	Amount       float64 `json:"amount"`
	BalanceAfter float64 `json:"balance_after,omitempty"`
}

type Sale struct {
	SaleID      string              `json:"sale_id"`
	Cashier     string              `json:"cashier"`
	CustomerID  string              `json:"customer_id,omitempty"`
	Warehouse   string              `json:"warehouse"`
	Subtotal    float64             `json:"subtotal"`
	Discount    float64             `json:"discount"`
	Tax         float64             `json:"tax"`
	Total       float64             `json:"total"`
	ChangeGiven float64             `json:"change_given"`
	PayStatus   string              `json:"pay_status"`
	QueueStatus string              `json:"queue_status"`
	ErpRef      string              `json:"erp_ref,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Lines       []SaleLine          `json:"lines"`
	Payments    []SalePayment       `json:"payments"`
	Redemptions []VoucherRedemption `json:"redemptions,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

type SaleLineInput struct {
	ItemID      string            `json:"item_id"`
	ItemName    string            `json:"item_name,omitempty"`
	Qty         float64           `json:"qty"`
	Rate        float64           `json:"rate"`
	BarcodeUsed string            `json:"barcode_used,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type PaymentInput struct {
	Method   string  `json:"method"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
}

type SaleRequest struct {
	SaleID      string              `json:"sale_id,omitempty"`
	Cashier     string              `json:"cashier"`
	CustomerID  string              `json:"customer_id,omitempty"`
	Warehouse   string              `json:"warehouse,omitempty"`
	Discount    float64             `json:"discount"`
	Tax         float64             `json:"tax"`
	ChangeGiven float64             `json:"change_given"`
	Lines       []SaleLineInput     `json:"lines"`
	Payments    []PaymentInput      `json:"payments"`
	Redemptions []VoucherRedemption `json:"redemptions,omitempty"`
}

type SaleResponse struct {
	SaleID    string  `json:"sale_id"`
	Total     float64 `json:"total"`
	PayStatus string  `json:"pay_status"`
	CreatedAt string  `json:"created_at"`
}

// OutboxEntry is one durable intent awaiting upstream acknowledgement.
// Seq preserves causal order per entity; the row is deleted only after
// the remote confirms receipt.
type OutboxEntry struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	RefID     string          `json:"ref_id"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type SyncCursor struct {
	Entity       string    `json:"entity"`
	LastModified string    `json:"last_modified"`
	LastName     string    `json:"last_name"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CurrencyRate struct {
	Base        string    `json:"base"`
	Target      string    `json:"target"`
	RateToBase  float64   `json:"rate_to_base"`
	LastUpdated time.Time `json:"last_updated"`
}

type ConversionResult struct {
	Actual      float64 `json:"actual"`
	Rounded     float64 `json:"rounded"`
	RoundedDown float64 `json:"rounded_down"`
	Rate        float64 `json:"rate"`
	Savings     float64 `json:"savings"`
	Currency    string  `json:"currency"`
}

type VoucherIssueRequest struct {
	Code     string  `json:"code"`
	Amount   float64 `json:"amount"`
	IssuedTo string  `json:"issued_to,omitempty"`
	Note     string  `json:"note,omitempty"`
}

type VoucherBalanceResponse struct {
	Code    string  `json:"code"`
	Balance float64 `json:"balance"`
	Active  bool    `json:"active"`
}

// HeldCart parks an in-progress checkout without any ledger effect.
type HeldCart struct {
	ID         string          `json:"id"`
	TerminalID string          `json:"terminal_id"`
	Cashier    string          `json:"cashier"`
	Note       string          `json:"note,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	HeldAt     time.Time       `json:"held_at"`
}

type SyncStatus struct {
	Queued      int64        `json:"queued"`
	Posting     int64        `json:"posting"`
	Posted      int64        `json:"posted"`
	Failed      int64        `json:"failed"`
	OutboxDepth int64        `json:"outbox_depth"`
	Cursors     []SyncCursor `json:"cursors,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
// Accounts imported from the upstream cashier directory start inactive
// with no usable password.
type UserAccount struct {
	Username  string
	Password  string
	FullName  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type HeartbeatRequest struct {
	TerminalID string `json:"terminal_id"`
}

const (
	QueueStatusQueued  = "queued"
	QueueStatusPosting = "posting"
	QueueStatusPosted  = "posted"
	QueueStatusFailed  = "failed"
)

const (
	PayStatusPaid          = "paid"
	PayStatusPartiallyPaid = "partially_paid"
	PayStatusUnpaid        = "unpaid"
)

const (
	VoucherEntryIssue  = "issue"
	VoucherEntryRedeem = "redeem"
	VoucherEntryAdjust = "adjust"
)

const (
	OutboxKindSale         = "sale"
	OutboxKindVoucher      = "voucher"
	OutboxKindVoucherEvent = "voucher_event"
)

// Remote entity names, used verbatim as sync cursor keys. Stock and price
// cursors are scoped with a suffix (for example "Bin:Shop") since each
// warehouse and price list advances independently.
const (
	EntityItem      = "Item"
	EntityAttribute = "Item Variant Attribute"
	EntityBarcode   = "Item Barcode"
	EntityBin       = "Bin"
	EntityPrice     = "Item Price"
)
