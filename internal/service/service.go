package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tillbridge/backend/internal/currency"
	"tillbridge/backend/internal/domain"
	"tillbridge/backend/internal/erp"
	"tillbridge/backend/internal/session"
	"tillbridge/backend/internal/store"
)

const (
	payEpsilon       = 0.005
	balanceTolerance = 1e-6

	invoiceDoctype = "Sales Invoice"
	voucherDoctype = "Gift Voucher"
	cashierDoctype = "POS Cashier"
	rateDoctype    = "Currency Exchange"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// RemoteClient is the slice of the ERP transport the engine depends on.
type RemoteClient interface {
	List(ctx context.Context, doctype string, q erp.ListQuery) erp.ListResult
	Get(ctx context.Context, doctype string, name string) (erp.Doc, error)
	Create(ctx context.Context, doctype string, doc erp.Doc) (string, error)
	Submit(ctx context.Context, doctype string, name string) error
	Update(ctx context.Context, doctype string, name string, fields erp.Doc) error
}

// errMalformed marks a single pulled record that cannot be applied; the
// rest of its batch continues.
var errMalformed = errors.New("malformed remote record")

// Service owns all sync state that would otherwise live in ambient
// globals: cursors go through the repository, forbidden-resource memory
// lives here for the process lifetime.
type Service struct {
	repo      store.Repository
	remote    RemoteClient
	sessions  session.Tracker
	warehouse string
	priceList string
	baseCcy   string

	permMu            sync.Mutex
	forbiddenFields   map[string]map[string]bool
	degradedResources map[string]bool
	blockedResources  map[string]bool
}

func New(repo store.Repository, remote RemoteClient, sessions session.Tracker, warehouse string, priceList string) *Service {
	if warehouse == "" {
		warehouse = "Shop"
	}
	if priceList == "" {
		priceList = "Standard Selling"
	}
	return &Service{
		repo:              repo,
		remote:            remote,
		sessions:          sessions,
		warehouse:         warehouse,
		priceList:         priceList,
		baseCcy:           "GBP",
		forbiddenFields:   make(map[string]map[string]bool),
		degradedResources: make(map[string]bool),
		blockedResources:  make(map[string]bool),
	}
}

// RecordSale validates the checkout and hands the whole thing to the
// repository as one transaction. Validation failures surface before any
// write; an overdrawn voucher aborts every effect at once.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, error) {
	if req.Cashier == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			req.Cashier = actor.Username
		}
	}
	if req.Cashier == "" {
		return nil, fmt.Errorf("%w: cashier required", store.ErrInvalidSale)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", store.ErrInvalidSale)
	}
	if req.Discount < 0 || req.Tax < 0 || req.ChangeGiven < 0 {
		return nil, fmt.Errorf("%w: negative discount, tax or change", store.ErrInvalidSale)
	}
	for _, line := range req.Lines {
		if line.ItemID == "" {
			return nil, fmt.Errorf("%w: line missing item", store.ErrInvalidSale)
		}
		if line.Qty <= 0 {
			return nil, fmt.Errorf("%w: qty must be positive for %s", store.ErrInvalidSale, line.ItemID)
		}
		if line.Rate < 0 {
			return nil, fmt.Errorf("%w: negative rate for %s", store.ErrInvalidSale, line.ItemID)
		}
	}
	for _, p := range req.Payments {
		if p.Amount < 0 {
			return nil, fmt.Errorf("%w: negative payment amount", store.ErrInvalidSale)
		}
	}
	for _, r := range req.Redemptions {
		if r.Code == "" || r.Amount <= 0 {
			return nil, fmt.Errorf("%w: voucher redemption needs code and positive amount", store.ErrInvalidSale)
		}
	}

	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" {
		saleID = uuid.NewString()
	}
	warehouse := req.Warehouse
	if warehouse == "" {
		warehouse = s.warehouse
	}

	subtotal := 0.0
	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for i, in := range req.Lines {
		amount := in.Qty * in.Rate
		subtotal += amount
		lines = append(lines, domain.SaleLine{
			LineNo:      i + 1,
			ItemID:      in.ItemID,
			ItemName:    in.ItemName,
			Qty:         in.Qty,
			Rate:        in.Rate,
			Amount:      amount,
			BarcodeUsed: in.BarcodeUsed,
			Attributes:  in.Attributes,
		})
	}
	total := subtotal - req.Discount + req.Tax

	payments := make([]domain.SalePayment, 0, len(req.Payments))
	payTotal := 0.0
	for i, in := range req.Payments {
		ccy := in.Currency
		if ccy == "" {
			ccy = s.baseCcy
		}
		payment := domain.SalePayment{
			Seq:      i + 1,
			Method:   in.Method,
			Amount:   in.Amount,
			Currency: ccy,
		}
		if ccy == s.baseCcy {
			payment.AmountBase = in.Amount
		} else {
			if in.Rate <= 0 {
				return nil, fmt.Errorf("%w: payment in %s needs a rate", store.ErrInvalidSale, ccy)
			}
			payment.Rate = in.Rate
			payment.AmountBase = in.Amount / in.Rate
		}
		payTotal += payment.AmountBase
		payments = append(payments, payment)
	}
	for _, r := range req.Redemptions {
		payTotal += r.Amount
	}
	payTotal -= req.ChangeGiven

	payStatus := domain.PayStatusUnpaid
	switch {
	case math.Abs(payTotal-total) < payEpsilon:
		payStatus = domain.PayStatusPaid
	case payTotal > 0:
		payStatus = domain.PayStatusPartiallyPaid
	}

	createdAt := time.Now().UTC()
	sale := domain.Sale{
		SaleID:      saleID,
		Cashier:     req.Cashier,
		CustomerID:  req.CustomerID,
		Warehouse:   warehouse,
		Subtotal:    subtotal,
		Discount:    req.Discount,
		Tax:         req.Tax,
		Total:       total,
		ChangeGiven: req.ChangeGiven,
		PayStatus:   payStatus,
		QueueStatus: domain.QueueStatusQueued,
		Lines:       lines,
		Payments:    payments,
		Redemptions: append([]domain.VoucherRedemption(nil), req.Redemptions...),
		CreatedAt:   createdAt,
	}

	payload, err := json.Marshal(sale)
	if err != nil {
		return nil, err
	}
	sale.Payload = payload

	return s.repo.CreateSale(ctx, sale)
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListRecentSales(ctx, limit)
}

func (s *Service) ListItems(ctx context.Context, activeOnly bool, limit int) ([]domain.Item, error) {
	return s.repo.ListItems(ctx, activeOnly, limit)
}

func (s *Service) LookupBarcode(ctx context.Context, code string) (*domain.Item, *domain.ItemPrice, error) {
	bc, err := s.repo.ResolveBarcode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	item, err := s.repo.GetItem(ctx, bc.ItemID)
	if err != nil {
		return nil, nil, err
	}
	price, err := s.repo.GetPrice(ctx, bc.ItemID, s.priceList)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		price = nil
	}
	return item, price, nil
}

func (s *Service) IssueVoucher(ctx context.Context, req domain.VoucherIssueRequest) (*domain.Voucher, error) {
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("%w: voucher needs code and positive amount", store.ErrInvalidSale)
	}
	return s.repo.CreateVoucher(ctx, domain.Voucher{
		Code:         req.Code,
		InitialValue: req.Amount,
		IssuedTo:     req.IssuedTo,
		Note:         req.Note,
	})
}

func (s *Service) VoucherBalance(ctx context.Context, code string) (*domain.VoucherBalanceResponse, error) {
	voucher, err := s.repo.GetVoucher(ctx, code)
	if err != nil {
		return nil, err
	}
	balance, err := s.repo.VoucherBalance(ctx, code)
	if err != nil {
		return nil, err
	}
	return &domain.VoucherBalanceResponse{Code: code, Balance: balance, Active: voucher.Active}, nil
}

// SyncVoucherFromERP reconciles the local balance toward the remote one
// by appending an adjust entry for the delta. History is never rewritten.
func (s *Service) SyncVoucherFromERP(ctx context.Context, code string) error {
	doc, err := s.remote.Get(ctx, voucherDoctype, code)
	if err != nil {
		return err
	}
	remoteBalance := doc.Num("balance")

	localBalance, err := s.repo.VoucherBalance(ctx, code)
	if err != nil {
		return err
	}

	delta := remoteBalance - localBalance
	if math.Abs(delta) <= balanceTolerance {
		return nil
	}
	return s.repo.AppendVoucherEntry(ctx, domain.VoucherEntry{
		Code:      code,
		EntryType: domain.VoucherEntryAdjust,
		Amount:    delta,
		Note:      fmt.Sprintf("reconciled to remote balance %.2f", remoteBalance),
	})
}

// PushOutbox drains up to limit entries in insertion order. One entry's
// failure never blocks the rest; failed entries stay queued with their
// attempt count and error text for the next cycle.
func (s *Service) PushOutbox(ctx context.Context, limit int) (int, error) {
	entries, err := s.repo.ListOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		var pushErr error
		switch entry.Kind {
		case domain.OutboxKindSale:
			pushErr = s.pushSale(ctx, entry)
		case domain.OutboxKindVoucher, domain.OutboxKindVoucherEvent:
			pushErr = s.pushVoucherEvent(ctx, entry)
		default:
			pushErr = fmt.Errorf("unknown outbox kind %q", entry.Kind)
		}

		if pushErr != nil {
			log.Printf("[push] WARN: outbox seq=%d kind=%s ref=%s attempt=%d: %v",
				entry.Seq, entry.Kind, entry.RefID, entry.Attempts+1, pushErr)
			if err := s.repo.MarkOutboxFailure(ctx, entry.Seq, pushErr.Error()); err != nil {
				log.Printf("[push] WARN: failed to record outbox failure seq=%d: %v", entry.Seq, err)
			}
			continue
		}

		if err := s.repo.DeleteOutbox(ctx, entry.Seq); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("[push] WARN: failed to delete acked outbox seq=%d: %v", entry.Seq, err)
		}
		processed++
	}
	return processed, nil
}

func (s *Service) pushSale(ctx context.Context, entry domain.OutboxEntry) error {
	now := time.Now().UTC()
	if err := s.repo.SetSaleQueueStatus(ctx, entry.RefID, domain.QueueStatusPosting, "", now); err != nil {
		return err
	}

	sale, err := s.repo.GetSale(ctx, entry.RefID)
	if err != nil {
		return err
	}

	docname, err := s.postSaleInvoice(ctx, sale)
	if err != nil {
		if statusErr := s.repo.SetSaleQueueStatus(ctx, sale.SaleID, domain.QueueStatusFailed, "", time.Now().UTC()); statusErr != nil {
			log.Printf("[push] WARN: failed to mark sale %s failed: %v", sale.SaleID, statusErr)
		}
		return err
	}

	return s.repo.SetSaleQueueStatus(ctx, sale.SaleID, domain.QueueStatusPosted, docname, time.Now().UTC())
}

// postSaleInvoice runs the remote create+submit sequence and then applies
// each voucher redemption against its remote record. A retry after a
// partial success re-runs the create call; the remote end dedupes by
// pos_receipt_id.
func (s *Service) postSaleInvoice(ctx context.Context, sale *domain.Sale) (string, error) {
	items := make([]erp.Doc, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		items = append(items, erp.Doc{
			"item_code": line.ItemID,
			"qty":       line.Qty,
			"rate":      line.Rate,
			"warehouse": sale.Warehouse,
		})
	}
	payments := make([]erp.Doc, 0, len(sale.Payments)+len(sale.Redemptions))
	for _, p := range sale.Payments {
		payments = append(payments, erp.Doc{
			"mode_of_payment": p.Method,
			"amount":          p.AmountBase,
		})
	}
	for _, r := range sale.Redemptions {
		payments = append(payments, erp.Doc{
			"mode_of_payment": "Gift Voucher",
			"amount":          r.Amount,
		})
	}

	invoice := erp.Doc{
		"is_pos":          1,
		"pos_receipt_id":  sale.SaleID,
		"customer":        sale.CustomerID,
		"discount_amount": sale.Discount,
		"items":           items,
		"payments":        payments,
	}

	docname, err := s.remote.Create(ctx, invoiceDoctype, invoice)
	if err != nil {
		return "", err
	}
	if err := s.remote.Submit(ctx, invoiceDoctype, docname); err != nil {
		return "", err
	}

	for _, r := range sale.Redemptions {
		err := s.remote.Update(ctx, voucherDoctype, r.Code, erp.Doc{
			"balance":           r.BalanceAfter,
			"last_redeemed_ref": docname,
		})
		if err != nil {
			return "", fmt.Errorf("apply voucher %s: %w", r.Code, err)
		}
	}
	return docname, nil
}

func (s *Service) pushVoucherEvent(ctx context.Context, entry domain.OutboxEntry) error {
	var event struct {
		Code    string  `json:"code"`
		Amount  float64 `json:"amount"`
		Balance float64 `json:"balance"`
		SaleID  string  `json:"sale_id"`
	}
	if err := json.Unmarshal(entry.Payload, &event); err != nil {
		return fmt.Errorf("decode voucher event: %w", err)
	}
	if event.Code == "" {
		return fmt.Errorf("voucher event missing code")
	}

	if event.Amount > 0 {
		// Issue event: the remote voucher may not exist yet.
		_, err := s.remote.Get(ctx, voucherDoctype, event.Code)
		if err != nil {
			if errors.Is(err, erp.ErrTransient) || errors.Is(err, erp.ErrForbidden) {
				return err
			}
			_, createErr := s.remote.Create(ctx, voucherDoctype, erp.Doc{
				"voucher_code": event.Code,
				"amount":       event.Amount,
				"balance":      event.Balance,
			})
			return createErr
		}
	}

	fields := erp.Doc{"balance": event.Balance}
	if event.SaleID != "" {
		fields["last_pos_sale"] = event.SaleID
	}
	return s.remote.Update(ctx, voucherDoctype, event.Code, fields)
}

// cursorKey scopes stock and price cursors per warehouse and price list;
// the other entity types advance on a single watermark.
func cursorKey(entity string, scope string) string {
	if scope == "" {
		return entity
	}
	return entity + ":" + scope
}

func (s *Service) isFieldForbidden(doctype string, field string) bool {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	return s.forbiddenFields[doctype][field]
}

func (s *Service) rememberForbiddenField(doctype string, field string) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	if s.forbiddenFields[doctype] == nil {
		s.forbiddenFields[doctype] = make(map[string]bool)
	}
	s.forbiddenFields[doctype][field] = true
}

func (s *Service) isDegraded(doctype string) bool {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	return s.degradedResources[doctype]
}

func (s *Service) rememberDegraded(doctype string) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	s.degradedResources[doctype] = true
}

func (s *Service) isBlocked(doctype string) bool {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	return s.blockedResources[doctype]
}

func (s *Service) rememberBlocked(doctype string) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	s.blockedResources[doctype] = true
}

func (s *Service) allowedFields(doctype string, fields []string) []string {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	forbidden := s.forbiddenFields[doctype]
	if len(forbidden) == 0 {
		return fields
	}
	allowed := make([]string, 0, len(fields))
	for _, f := range fields {
		if forbidden[f] {
			continue
		}
		allowed = append(allowed, f)
	}
	return allowed
}

func (s *Service) allowedFilters(doctype string, filters [][]any) [][]any {
	s.permMu.Lock()
	forbidden := s.forbiddenFields[doctype]
	s.permMu.Unlock()
	if len(forbidden) == 0 {
		return filters
	}
	allowed := filters
	for field := range forbidden {
		allowed = stripFilters(allowed, field)
	}
	return allowed
}

// stripFilters removes every filter triple keyed by field. A rejected field
// can appear as a filter as easily as a requested column.
func stripFilters(filters [][]any, field string) [][]any {
	kept := make([][]any, 0, len(filters))
	for _, f := range filters {
		if len(f) > 0 {
			if name, ok := f[0].(string); ok && name == field {
				continue
			}
		}
		kept = append(kept, f)
	}
	return kept
}

// pullPage is the shared incremental pull: read the watermark, list one
// remote page ordered by (modified, name), apply each record, advance the
// cursor to the last one. Permission rejections narrow the query and are
// remembered for the rest of the process.
func (s *Service) pullPage(ctx context.Context, doctype string, key string, fields []string, extraFilters [][]any, limit int, apply func(erp.Doc) error) (int, error) {
	if s.isBlocked(doctype) {
		return 0, nil
	}
	if limit < 1 {
		limit = 100
	}

	var filters [][]any
	cursor, err := s.repo.GetCursor(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	if cursor != nil && cursor.LastModified != "" {
		filters = append(filters, []any{"modified", ">=", cursor.LastModified})
	}
	filters = append(filters, extraFilters...)

	var docs []erp.Doc
	if s.isDegraded(doctype) {
		docs, err = s.listViaDocFetch(ctx, doctype, s.allowedFilters(doctype, filters), limit)
		if err != nil {
			return 0, err
		}
	} else {
		docs, err = s.listWithDegradation(ctx, doctype, filters, fields, limit)
		if err != nil {
			return 0, err
		}
	}

	applied := 0
	for _, doc := range docs {
		if err := apply(doc); err != nil {
			if errors.Is(err, errMalformed) {
				log.Printf("[pull] WARN: skipping malformed %s record: %v", doctype, err)
				continue
			}
			return applied, err
		}
		applied++
	}

	if len(docs) > 0 {
		last := docs[len(docs)-1]
		err := s.repo.AdvanceCursor(ctx, domain.SyncCursor{
			Entity:       key,
			LastModified: last.Str("modified"),
			LastName:     last.Str("name"),
		})
		if err != nil {
			return applied, err
		}
	}
	return len(docs), nil
}

// listWithDegradation drops a rejected field and retries; once the
// identifying fields themselves are refused the doctype degrades to
// per-document fetching for the rest of the run.
func (s *Service) listWithDegradation(ctx context.Context, doctype string, filters [][]any, fields []string, limit int) ([]erp.Doc, error) {
	requested := s.allowedFields(doctype, fields)
	filters = s.allowedFilters(doctype, filters)
	for {
		result := s.remote.List(ctx, doctype, erp.ListQuery{
			Filters: filters,
			Fields:  requested,
			OrderBy: "modified asc, name asc",
			Limit:   limit,
		})
		switch result.Outcome {
		case erp.ListOK:
			return result.Docs, nil
		case erp.ListForbiddenField:
			field := result.ForbiddenField
			s.rememberForbiddenField(doctype, field)
			log.Printf("[pull] %s: field %q not permitted, narrowing query", doctype, field)
			nextFilters := stripFilters(filters, field)
			if field == "name" || field == "modified" {
				s.rememberDegraded(doctype)
				return s.listViaDocFetch(ctx, doctype, nextFilters, limit)
			}
			next := make([]string, 0, len(requested))
			for _, f := range requested {
				if f != field {
					next = append(next, f)
				}
			}
			if len(next) == len(requested) && len(nextFilters) == len(filters) {
				// Removal changed nothing, so the same query would be
				// rejected forever. Fall back to per-document fetching.
				s.rememberDegraded(doctype)
				return s.listViaDocFetch(ctx, doctype, nextFilters, limit)
			}
			requested = next
			filters = nextFilters
		case erp.ListForbiddenResource:
			s.rememberBlocked(doctype)
			log.Printf("[pull] %s: resource forbidden, skipping for the rest of this run", doctype)
			return nil, nil
		default:
			return nil, result.Err
		}
	}
}

// listViaDocFetch is the fallback strategy: list names only, then fetch
// each full document individually.
func (s *Service) listViaDocFetch(ctx context.Context, doctype string, filters [][]any, limit int) ([]erp.Doc, error) {
	result := s.remote.List(ctx, doctype, erp.ListQuery{
		Filters: filters,
		Fields:  []string{"name", "modified"},
		OrderBy: "modified asc, name asc",
		Limit:   limit,
	})
	switch result.Outcome {
	case erp.ListOK:
	case erp.ListForbiddenField, erp.ListForbiddenResource:
		s.rememberBlocked(doctype)
		log.Printf("[pull] %s: identifying fields forbidden, skipping for the rest of this run", doctype)
		return nil, nil
	default:
		return nil, result.Err
	}

	docs := make([]erp.Doc, 0, len(result.Docs))
	for _, stub := range result.Docs {
		name := stub.Str("name")
		if name == "" {
			continue
		}
		doc, err := s.remote.Get(ctx, doctype, name)
		if err != nil {
			if errors.Is(err, erp.ErrForbidden) {
				log.Printf("[pull] WARN: %s %s forbidden, skipped", doctype, name)
				continue
			}
			return docs, err
		}
		if doc.Str("modified") == "" {
			doc["modified"] = stub.Str("modified")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Service) PullItems(ctx context.Context, limit int) (int, error) {
	fields := []string{"name", "item_name", "brand", "has_variants", "variant_of", "disabled", "modified"}
	return s.pullPage(ctx, domain.EntityItem, cursorKey(domain.EntityItem, ""), fields, nil, limit, func(doc erp.Doc) error {
		itemID := doc.Str("name")
		if itemID == "" {
			return fmt.Errorf("%w: item without name", errMalformed)
		}
		return s.repo.UpsertItem(ctx, domain.Item{
			ItemID:     itemID,
			ParentID:   doc.Str("variant_of"),
			Name:       doc.Str("item_name"),
			Brand:      doc.Str("brand"),
			IsTemplate: doc.Bool("has_variants"),
			Active:     !doc.Bool("disabled"),
			Modified:   doc.Str("modified"),
		})
	})
}

func (s *Service) PullAttributes(ctx context.Context, limit int) (int, error) {
	fields := []string{"name", "parent", "attribute", "attribute_value", "modified"}
	return s.pullPage(ctx, domain.EntityAttribute, cursorKey(domain.EntityAttribute, ""), fields, nil, limit, func(doc erp.Doc) error {
		itemID := doc.Str("parent")
		attribute := doc.Str("attribute")
		if itemID == "" || attribute == "" {
			return fmt.Errorf("%w: attribute without parent item", errMalformed)
		}
		return s.repo.UpsertAttribute(ctx, domain.ItemAttribute{
			ItemID:    itemID,
			Attribute: attribute,
			Value:     doc.Str("attribute_value"),
		})
	})
}

func (s *Service) PullBarcodes(ctx context.Context, limit int) (int, error) {
	fields := []string{"name", "parent", "barcode", "uom", "modified"}
	return s.pullPage(ctx, domain.EntityBarcode, cursorKey(domain.EntityBarcode, ""), fields, nil, limit, func(doc erp.Doc) error {
		code := doc.Str("barcode")
		itemID := doc.Str("parent")
		if code == "" || itemID == "" {
			return fmt.Errorf("%w: barcode without value or item", errMalformed)
		}
		return s.repo.UpsertBarcode(ctx, domain.Barcode{
			Barcode: code,
			ItemID:  itemID,
			UOM:     doc.Str("uom"),
		})
	})
}

// PullBins refreshes sellable stock for the configured warehouse. The
// sellable figure prefers the remote's projected quantity and falls back
// to actual minus reserved.
func (s *Service) PullBins(ctx context.Context, limit int) (int, error) {
	fields := []string{"name", "item_code", "warehouse", "actual_qty", "reserved_qty", "projected_qty", "modified"}
	filters := [][]any{{"warehouse", "=", s.warehouse}}
	return s.pullPage(ctx, domain.EntityBin, cursorKey(domain.EntityBin, s.warehouse), fields, filters, limit, func(doc erp.Doc) error {
		itemID := doc.Str("item_code")
		if itemID == "" {
			return fmt.Errorf("%w: bin without item_code", errMalformed)
		}
		sellable := doc.Num("actual_qty") - doc.Num("reserved_qty")
		if _, ok := doc["projected_qty"]; ok {
			sellable = doc.Num("projected_qty")
		}
		return s.repo.SetStock(ctx, domain.StockLevel{
			ItemID:    itemID,
			Warehouse: s.warehouse,
			Qty:       sellable,
		})
	})
}

func (s *Service) PullPrices(ctx context.Context, limit int) (int, error) {
	fields := []string{"name", "item_code", "price_list", "price_list_rate", "currency", "modified"}
	filters := [][]any{{"price_list", "=", s.priceList}}
	return s.pullPage(ctx, domain.EntityPrice, cursorKey(domain.EntityPrice, s.priceList), fields, filters, limit, func(doc erp.Doc) error {
		itemID := doc.Str("item_code")
		if itemID == "" {
			return fmt.Errorf("%w: price without item_code", errMalformed)
		}
		return s.repo.UpsertPrice(ctx, domain.ItemPrice{
			ItemID:    itemID,
			PriceList: s.priceList,
			Rate:      doc.Num("price_list_rate"),
			Currency:  doc.Str("currency"),
			Modified:  doc.Str("modified"),
		})
	})
}

// SyncCycle runs the pull sequence up to loops rounds, stopping early
// once a full round fetches nothing. Individual pull errors end that
// entity's pull for the round but never abort the cycle.
func (s *Service) SyncCycle(ctx context.Context, loops int, pageLimit int) int {
	if loops < 1 {
		loops = 1
	}
	fetched := 0
	for round := 0; round < loops; round++ {
		roundTotal := 0
		for _, pull := range []struct {
			name string
			fn   func(context.Context, int) (int, error)
		}{
			{"items", s.PullItems},
			{"attributes", s.PullAttributes},
			{"barcodes", s.PullBarcodes},
			{"bins", s.PullBins},
			{"prices", s.PullPrices},
		} {
			n, err := pull.fn(ctx, pageLimit)
			if err != nil {
				log.Printf("[pull] WARN: %s pull: %v", pull.name, err)
				continue
			}
			roundTotal += n
		}
		fetched += roundTotal
		if roundTotal == 0 {
			break
		}
	}
	return fetched
}

// SyncCashiers imports the upstream cashier directory as local accounts.
// Imported users stay inactive until a password is set locally. The same
// permission degradation as catalog pulls applies: the active filter is
// dropped first, then offending fields.
func (s *Service) SyncCashiers(ctx context.Context) (int, error) {
	fields := []string{"name", "full_name", "disabled", "modified"}
	filters := [][]any{{"disabled", "=", 0}}

	docs, err := s.listWithDegradation(ctx, cashierDoctype, filters, fields, 100)
	if err != nil {
		// The active filter itself may be the rejected piece; retry bare.
		docs, err = s.listWithDegradation(ctx, cashierDoctype, nil, fields, 100)
		if err != nil {
			return 0, err
		}
	}

	imported := 0
	for _, doc := range docs {
		username := doc.Str("name")
		if username == "" {
			log.Printf("[pull] WARN: skipping cashier record without name")
			continue
		}
		if doc.Bool("disabled") {
			continue
		}
		err := s.repo.UpsertUser(ctx, domain.UserAccount{
			Username: username,
			FullName: doc.Str("full_name"),
			Role:     "cashier",
			Active:   false,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// RefreshRates pulls current exchange rates from the remote and upserts
// them locally. Meant to run on a daily tick.
func (s *Service) RefreshRates(ctx context.Context) (int, error) {
	result := s.remote.List(ctx, rateDoctype, erp.ListQuery{
		Filters: [][]any{{"from_currency", "=", s.baseCcy}},
		Fields:  []string{"name", "from_currency", "to_currency", "exchange_rate", "modified"},
		Limit:   50,
	})
	if result.Outcome != erp.ListOK {
		if result.Err != nil {
			return 0, result.Err
		}
		return 0, fmt.Errorf("%w: %s", erp.ErrForbidden, rateDoctype)
	}

	updated := 0
	for _, doc := range result.Docs {
		target := doc.Str("to_currency")
		rate := doc.Num("exchange_rate")
		if target == "" || rate <= 0 {
			log.Printf("[pull] WARN: skipping malformed exchange rate record")
			continue
		}
		err := s.repo.UpsertRate(ctx, domain.CurrencyRate{
			Base:       s.baseCcy,
			Target:     target,
			RateToBase: rate,
		})
		if err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// ConvertCurrency converts with an explicit rate, or the stored one when
// rate is zero.
func (s *Service) ConvertCurrency(ctx context.Context, amount float64, rate float64, mode string, target string) (domain.ConversionResult, error) {
	if amount < 0 {
		return domain.ConversionResult{}, fmt.Errorf("%w: negative amount", store.ErrInvalidSale)
	}
	if rate <= 0 {
		stored, err := s.repo.GetRate(ctx, s.baseCcy, target)
		if err != nil {
			return domain.ConversionResult{}, err
		}
		rate = stored.RateToBase
	}
	return currency.Convert(amount, rate, mode, target), nil
}

// EffectiveRate locks in the per-sale rate from the cashier's chosen
// rounded target amount.
func (s *Service) EffectiveRate(chosenTarget float64, baseTotal float64) (float64, error) {
	if baseTotal <= 0 || chosenTarget <= 0 {
		return 0, fmt.Errorf("%w: amounts must be positive", store.ErrInvalidSale)
	}
	return currency.EffectiveRate(chosenTarget, baseTotal), nil
}

func (s *Service) SyncStatus(ctx context.Context) (*domain.SyncStatus, error) {
	counts, err := s.repo.SaleStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := s.repo.CountOutbox(ctx)
	if err != nil {
		return nil, err
	}
	cursors, err := s.repo.ListCursors(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.SyncStatus{
		Queued:      counts[domain.QueueStatusQueued],
		Posting:     counts[domain.QueueStatusPosting],
		Posted:      counts[domain.QueueStatusPosted],
		Failed:      counts[domain.QueueStatusFailed],
		OutboxDepth: depth,
		Cursors:     cursors,
	}, nil
}

func (s *Service) FailedOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	return s.repo.ListFailedOutbox(ctx, limit)
}

func (s *Service) Heartbeat(ctx context.Context, terminalID string) error {
	if terminalID == "" {
		return fmt.Errorf("%w: terminal_id required", store.ErrInvalidSale)
	}
	return s.sessions.Heartbeat(ctx, terminalID)
}

// Idle reports whether background sync may run. Any live session defers
// it; a tracker error plays safe and defers too.
func (s *Service) Idle(ctx context.Context) bool {
	count, err := s.sessions.ActiveCount(ctx)
	if err != nil {
		log.Printf("[session] WARN: active count: %v", err)
		return false
	}
	return count == 0
}

func (s *Service) HoldCart(ctx context.Context, terminalID string, note string, payload json.RawMessage) (*domain.HeldCart, error) {
	if terminalID == "" || len(payload) == 0 {
		return nil, fmt.Errorf("%w: terminal and cart payload required", store.ErrInvalidSale)
	}
	cashier := ""
	if actor, ok := ActorFromContext(ctx); ok {
		cashier = actor.Username
	}
	return s.repo.CreateHeldCart(ctx, domain.HeldCart{
		TerminalID: terminalID,
		Cashier:    cashier,
		Note:       note,
		Payload:    payload,
	})
}

func (s *Service) ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.HeldCart, error) {
	return s.repo.ListHeldCarts(ctx, terminalID, limit)
}

func (s *Service) ResumeCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	return s.repo.PopHeldCart(ctx, holdID)
}
