package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tillbridge/backend/internal/domain"
	"tillbridge/backend/internal/store"
)

func TestOutboxIsFIFOAndAckedByDelete(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	for _, code := range []string{"GV-A", "GV-B", "GV-C"} {
		if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: code, InitialValue: 10}); err != nil {
			t.Fatalf("create voucher failed: %v", err)
		}
	}

	entries, err := s.ListOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list outbox failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("outbox out of order: %+v", entries)
		}
	}
	if entries[0].RefID != "GV-A" || entries[2].RefID != "GV-C" {
		t.Fatalf("expected insertion order preserved, got %+v", entries)
	}

	if err := s.DeleteOutbox(ctx, entries[0].Seq); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.DeleteOutbox(ctx, entries[0].Seq); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on double delete, got %v", err)
	}

	remaining, _ := s.ListOutbox(ctx, 10)
	if len(remaining) != 2 || remaining[0].RefID != "GV-B" {
		t.Fatalf("expected GV-B at the head, got %+v", remaining)
	}
}

func TestMarkOutboxFailureAccumulatesAttempts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: "GV-F", InitialValue: 10}); err != nil {
		t.Fatalf("create voucher failed: %v", err)
	}
	entries, _ := s.ListOutbox(ctx, 1)

	for i := 1; i <= 3; i++ {
		if err := s.MarkOutboxFailure(ctx, entries[0].Seq, "remote 502"); err != nil {
			t.Fatalf("mark failure failed: %v", err)
		}
	}
	after, _ := s.ListOutbox(ctx, 1)
	if after[0].Attempts != 3 || after[0].LastError != "remote 502" {
		t.Fatalf("expected 3 attempts with error text, got %+v", after[0])
	}
}

func TestListFailedOutboxSkipsHealthyRows(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	for _, code := range []string{"GV-1", "GV-2", "GV-3"} {
		if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: code, InitialValue: 10}); err != nil {
			t.Fatalf("create voucher failed: %v", err)
		}
	}
	entries, _ := s.ListOutbox(ctx, 10)
	last := entries[len(entries)-1]
	if err := s.MarkOutboxFailure(ctx, last.Seq, "remote 502"); err != nil {
		t.Fatalf("mark failure failed: %v", err)
	}

	// A limit smaller than the queue depth must still surface the failed
	// row sitting behind the healthy ones.
	failed, err := s.ListFailedOutbox(ctx, 1)
	if err != nil {
		t.Fatalf("list failed outbox failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Seq != last.Seq || failed[0].LastError != "remote 502" {
		t.Fatalf("expected the failed row, got %+v", failed)
	}
}

func TestCreateVoucherRejectsDuplicates(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: "GV-DUP", InitialValue: 10}); err != nil {
		t.Fatalf("create voucher failed: %v", err)
	}
	if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: "GV-DUP", InitialValue: 10}); !errors.Is(err, store.ErrDuplicateVoucher) {
		t.Fatalf("expected duplicate voucher error, got %v", err)
	}
}

func TestInactiveVoucherHasZeroSpendableBalance(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	s.mu.Lock()
	v := s.vouchersByCode["GV-DEMO"]
	v.Active = false
	s.vouchersByCode["GV-DEMO"] = v
	s.mu.Unlock()

	balance, err := s.VoucherBalance(ctx, "GV-DEMO")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected inactive voucher to spend as zero, got %v", balance)
	}

	_, err = s.CreateSale(ctx, domain.Sale{
		SaleID:      "sale-inactive",
		Cashier:     "cashier",
		Warehouse:   "Shop",
		Lines:       []domain.SaleLine{{LineNo: 1, ItemID: "ITM-MUG", Qty: 1, Rate: 6, Amount: 6}},
		Redemptions: []domain.VoucherRedemption{{Code: "GV-DEMO", Amount: 5}},
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance for inactive voucher, got %v", err)
	}
}

func TestCreateSaleChecksAllRedemptionsBeforeWriting(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: "GV-OK", InitialValue: 20}); err != nil {
		t.Fatalf("create voucher failed: %v", err)
	}
	outboxBefore, _ := s.CountOutbox(ctx)

	// The second redemption overdraws, so the first must not apply either.
	_, err := s.CreateSale(ctx, domain.Sale{
		SaleID:    "sale-multi",
		Cashier:   "cashier",
		Warehouse: "Shop",
		Lines:     []domain.SaleLine{{LineNo: 1, ItemID: "ITM-MUG", Qty: 1, Rate: 50, Amount: 50}},
		Redemptions: []domain.VoucherRedemption{
			{Code: "GV-OK", Amount: 10},
			{Code: "GV-DEMO", Amount: 100},
		},
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	balance, _ := s.VoucherBalance(ctx, "GV-OK")
	if balance != 20 {
		t.Fatalf("expected first voucher untouched at 20, got %v", balance)
	}
	outboxAfter, _ := s.CountOutbox(ctx)
	if outboxAfter != outboxBefore {
		t.Fatalf("expected no outbox growth on aborted sale")
	}
}

func TestCreateSaleCountsRepeatedCodesAgainstOneBalance(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.CreateVoucher(ctx, domain.Voucher{Code: "GV-RPT", InitialValue: 50}); err != nil {
		t.Fatalf("create voucher failed: %v", err)
	}

	// 30 + 30 against a 50 balance: each fits alone, together they overdraw.
	_, err := s.CreateSale(ctx, domain.Sale{
		SaleID:    "sale-repeat",
		Cashier:   "cashier",
		Warehouse: "Shop",
		Lines:     []domain.SaleLine{{LineNo: 1, ItemID: "ITM-MUG", Qty: 10, Rate: 6, Amount: 60}},
		Redemptions: []domain.VoucherRedemption{
			{Code: "GV-RPT", Amount: 30},
			{Code: "GV-RPT", Amount: 30},
		},
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	balance, _ := s.VoucherBalance(ctx, "GV-RPT")
	if balance != 50 {
		t.Fatalf("expected untouched balance 50, got %v", balance)
	}

	// A split that stays within the balance drains it to zero.
	_, err = s.CreateSale(ctx, domain.Sale{
		SaleID:    "sale-split",
		Cashier:   "cashier",
		Warehouse: "Shop",
		Lines:     []domain.SaleLine{{LineNo: 1, ItemID: "ITM-MUG", Qty: 10, Rate: 5, Amount: 50}},
		Redemptions: []domain.VoucherRedemption{
			{Code: "GV-RPT", Amount: 30},
			{Code: "GV-RPT", Amount: 20},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	balance, _ = s.VoucherBalance(ctx, "GV-RPT")
	if balance != 0 {
		t.Fatalf("expected drained balance 0, got %v", balance)
	}
}

func TestUpsertItemKeepsOmittedValues(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if err := s.UpsertItem(ctx, domain.Item{ItemID: "ITM-MUG", Modified: "2026-02-01 09:00:00"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	item, err := s.GetItem(ctx, "ITM-MUG")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if item.Name != "Ceramic Mug" || item.Brand != "HouseBrand" {
		t.Fatalf("expected omitted fields preserved, got %+v", item)
	}
	if item.Modified != "2026-02-01 09:00:00" {
		t.Fatalf("expected incoming modified kept, got %q", item.Modified)
	}
}

func TestSetStockFloorsAtZero(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SetStock(ctx, domain.StockLevel{ItemID: "ITM-X", Warehouse: "Shop", Qty: -5}); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	qty, err := s.GetStock(ctx, "ITM-X", "Shop")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if qty != 0 {
		t.Fatalf("expected negative stock floored to 0, got %v", qty)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetCursor(ctx, "Item"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for fresh cursor, got %v", err)
	}

	err := s.AdvanceCursor(ctx, domain.SyncCursor{
		Entity:       "Item",
		LastModified: "2026-02-01 09:00:05",
		LastName:     "ITM-B",
	})
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	cursor, err := s.GetCursor(ctx, "Item")
	if err != nil {
		t.Fatalf("get cursor failed: %v", err)
	}
	if cursor.LastModified != "2026-02-01 09:00:05" || cursor.LastName != "ITM-B" {
		t.Fatalf("cursor did not round-trip: %+v", cursor)
	}
	if cursor.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at stamped")
	}

	cursors, _ := s.ListCursors(ctx)
	if len(cursors) != 1 || cursors[0].Entity != "Item" {
		t.Fatalf("unexpected cursor listing: %+v", cursors)
	}
}

func TestHeldCartsPopOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	held, err := s.CreateHeldCart(ctx, domain.HeldCart{
		TerminalID: "till-1",
		Payload:    []byte(`{"lines":[]}`),
		HeldAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create held cart failed: %v", err)
	}

	got, err := s.PopHeldCart(ctx, held.ID)
	if err != nil || got.ID != held.ID {
		t.Fatalf("pop failed: %v", err)
	}
	if _, err := s.PopHeldCart(ctx, held.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cart gone after pop, got %v", err)
	}
}

func TestDirectorySyncPreservesLocalCredentials(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.UpsertUser(ctx, domain.UserAccount{Username: "jsmith", FullName: "Jo Smith", Role: "cashier"})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if err := s.UpdateUserPassword(ctx, "jsmith", "$2a$10$fakehash"); err != nil {
		t.Fatalf("set password failed: %v", err)
	}

	// A re-import from the directory must not wipe the password or
	// deactivate the account.
	err = s.UpsertUser(ctx, domain.UserAccount{Username: "jsmith", FullName: "Jo Smith", Role: "cashier", Active: false})
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	user, err := s.GetUser(ctx, "jsmith")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if user.Password != "$2a$10$fakehash" || !user.Active {
		t.Fatalf("directory sync clobbered local credentials: %+v", user)
	}
}
