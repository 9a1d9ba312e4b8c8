package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tillbridge/backend/internal/domain"
	"tillbridge/backend/internal/erp"
	"tillbridge/backend/internal/service"
	"tillbridge/backend/internal/session"
	"tillbridge/backend/internal/store/memory"
)

type stubRemote struct{}

func (stubRemote) List(context.Context, string, erp.ListQuery) erp.ListResult {
	return erp.ListResult{Outcome: erp.ListOK}
}

func (stubRemote) Get(_ context.Context, doctype string, name string) (erp.Doc, error) {
	return nil, fmt.Errorf("%s %s not found", doctype, name)
}

func (stubRemote) Create(context.Context, string, erp.Doc) (string, error) {
	return "SINV-0001", nil
}

func (stubRemote) Submit(context.Context, string, string) error { return nil }

func (stubRemote) Update(context.Context, string, string, erp.Doc) error { return nil }

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	tracker := session.NewMemoryTracker(time.Minute)
	svc := service.New(repo, stubRemote{}, tracker, "Shop", "Standard Selling")
	auth := NewAuthManager("test-secret-key-for-handler-tests", time.Hour, repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/auth/csrf-token", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	return body["csrf_token"]
}

func authHeaders(token string, csrf string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + token}
	if csrf != "" {
		h["X-CSRF-Token"] = csrf
	}
	return h
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	handler := newTestAPI(t).Handler()

	token := loginAs(t, handler, "cashier", "cashier123")
	if token == "" {
		t.Fatalf("expected access token")
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "cashier",
		"password": "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	handler := newTestAPI(t).Handler()

	payload := map[string]string{"username": "cashier", "password": "wrong"}
	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", payload, nil)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated attempts, got %d", last)
	}
}

func TestSalesRequireAuth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestMutationRequiresCSRFToken(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		Lines: []domain.SaleLineInput{{ItemID: "ITM-MUG", Qty: 1, Rate: 6}},
	}, authHeaders(token, ""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestRecordAndFetchSale(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		Lines:    []domain.SaleLineInput{{ItemID: "ITM-MUG", Qty: 2, Rate: 6}},
		Payments: []domain.PaymentInput{{Method: "Cash", Amount: 12}},
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.PayStatus != domain.PayStatusPaid {
		t.Fatalf("expected paid sale, got %s", created.Sale.PayStatus)
	}
	if created.Sale.Cashier != "cashier" {
		t.Fatalf("expected cashier from token, got %q", created.Sale.Cashier)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+created.Sale.SaleID, nil, authHeaders(token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching sale, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/nope", nil, authHeaders(token, ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", rec.Code)
	}
}

func TestRecordSaleValidationMapsTo400(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		Lines: []domain.SaleLineInput{{ItemID: "ITM-MUG", Qty: -1, Rate: 6}},
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid sale, got %d", rec.Code)
	}
}

func TestVoucherLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/vouchers", domain.VoucherIssueRequest{
		Code: "GV-HTTP", Amount: 30,
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/vouchers", domain.VoucherIssueRequest{
		Code: "GV-HTTP", Amount: 30,
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate code, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/vouchers/GV-HTTP/balance", nil, authHeaders(token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var balance domain.VoucherBalanceResponse
	_ = json.NewDecoder(rec.Body).Decode(&balance)
	if balance.Balance != 30 || !balance.Active {
		t.Fatalf("unexpected balance response: %+v", balance)
	}

	// Overdraft through checkout surfaces as a conflict.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		Lines:       []domain.SaleLineInput{{ItemID: "ITM-MUG", Qty: 1, Rate: 60}},
		Redemptions: []domain.VoucherRedemption{{Code: "GV-HTTP", Amount: 60}},
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overdraft, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestBarcodeLookup(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/barcodes/5012345678900", nil, authHeaders(token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Item  domain.Item      `json:"item"`
		Price domain.ItemPrice `json:"price"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Item.ItemID != "ITM-MUG" || body.Price.Rate != 6.00 {
		t.Fatalf("unexpected lookup result: %+v", body)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/barcodes/0000000000000", nil, authHeaders(token, ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown barcode, got %d", rec.Code)
	}
}

func TestSyncEndpointsAreAdminOnly(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashierToken := loginAs(t, handler, "cashier", "cashier123")
	adminToken := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sync/status", nil, authHeaders(cashierToken, ""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sync/status", nil, authHeaders(adminToken, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", rec.Code, rec.Body.String())
	}
	var status domain.SyncStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
}

func TestSyncPushDrainsOutbox(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashierToken := loginAs(t, handler, "cashier", "cashier123")
	adminToken := loginAs(t, handler, "admin", "admin123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		Lines:    []domain.SaleLineInput{{ItemID: "ITM-MUG", Qty: 1, Rate: 6}},
		Payments: []domain.PaymentInput{{Method: "Cash", Amount: 6}},
	}, authHeaders(cashierToken, csrf))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sync/push", nil, authHeaders(adminToken, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result map[string]int
	_ = json.NewDecoder(rec.Body).Decode(&result)
	if result["processed"] != 1 {
		t.Fatalf("expected 1 processed, got %d", result["processed"])
	}
}

func TestConvertEndpoint(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/currency/convert", map[string]any{
		"amount": 10.0,
		"target": "EUR",
		"mode":   "nearest",
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result domain.ConversionResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Rounded != 11.85 || result.RoundedDown != 11.80 {
		t.Fatalf("unexpected conversion: %+v", result)
	}

	rec = doJSON(t, handler, http.MethodGet,
		"/api/v1/currency/effective-rate?chosen_target=11.85&base_total=10", nil, authHeaders(token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHeartbeatSkipsCSRF(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/session/heartbeat", domain.HeartbeatRequest{
		TerminalID: "till-1",
	}, authHeaders(token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected heartbeat without CSRF token to pass, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHeldCartsOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/carts/hold", map[string]any{
		"terminal_id": "till-1",
		"note":        "customer stepped away",
		"payload":     json.RawMessage(`{"lines":[{"item_id":"ITM-MUG","qty":1}]}`),
	}, authHeaders(token, csrf))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Cart domain.HeldCart `json:"cart"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&created)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/carts/hold?terminal_id=till-1", nil, authHeaders(token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/carts/hold/"+created.Cart.ID+"/resume", nil, authHeaders(token, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 resuming, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/carts/hold/"+created.Cart.ID+"/resume", nil, authHeaders(token, csrf))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 resuming twice, got %d", rec.Code)
	}
}

func TestAdminActivatesImportedCashier(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAs(t, handler, "admin", "admin123")
	csrf := csrfToken(t, handler)

	// Simulate a directory import: account exists but cannot log in.
	err := api.auth.userStore.(*memory.Store).UpsertUser(context.Background(), domain.UserAccount{
		Username: "jsmith", FullName: "Jo Smith", Role: "cashier",
	})
	if err != nil {
		t.Fatalf("seed imported user: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "jsmith", "password": "anything",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before activation, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers/password", map[string]string{
		"username": "jsmith", "password": "s3cret-pass",
	}, authHeaders(adminToken, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 setting password, got %d (%s)", rec.Code, rec.Body.String())
	}

	if token := loginAs(t, handler, "jsmith", "s3cret-pass"); token == "" {
		t.Fatalf("expected activated cashier to log in")
	}
}

func TestErrorBodyShape(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodDelete, "/healthz", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Fatalf("expected error field, got %v", body)
	}
}
