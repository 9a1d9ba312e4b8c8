package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := New(server.URL, "key", "secret", 2*time.Second)
	return client, server
}

func TestListParsesDocuments(t *testing.T) {
	var gotAuth, gotOrder string
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotOrder = r.URL.Query().Get("order_by")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"name": "ITM-A", "modified": "2026-02-01 09:00:00"},
				{"name": "ITM-B", "modified": "2026-02-01 09:00:05"},
			},
		})
	})
	defer server.Close()

	result := client.List(context.Background(), "Item", ListQuery{
		Fields:  []string{"name", "modified"},
		OrderBy: "modified asc, name asc",
		Limit:   2,
	})
	if result.Outcome != ListOK {
		t.Fatalf("expected ListOK, got %v (%v)", result.Outcome, result.Err)
	}
	if len(result.Docs) != 2 || result.Docs[0].Str("name") != "ITM-A" {
		t.Fatalf("unexpected docs: %+v", result.Docs)
	}
	if gotAuth != "token key:secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotOrder != "modified asc, name asc" {
		t.Fatalf("unexpected order_by %q", gotOrder)
	}
}

func TestListForbiddenFieldParsesFieldName(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"exc_type":"PermissionError","exception":"Field not permitted in query: brand"}`))
	})
	defer server.Close()

	result := client.List(context.Background(), "Item", ListQuery{Fields: []string{"name", "brand"}})
	if result.Outcome != ListForbiddenField {
		t.Fatalf("expected ListForbiddenField, got %v", result.Outcome)
	}
	if result.ForbiddenField != "brand" {
		t.Fatalf("expected field brand, got %q", result.ForbiddenField)
	}
}

func TestListForbiddenResourceWithoutFieldName(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"exc_type":"PermissionError","exception":"Not permitted"}`))
	})
	defer server.Close()

	result := client.List(context.Background(), "Bin", ListQuery{})
	if result.Outcome != ListForbiddenResource {
		t.Fatalf("expected ListForbiddenResource, got %v", result.Outcome)
	}
	if !errors.Is(result.Err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", result.Err)
	}
}

func TestListServerErrorIsTransient(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer server.Close()

	result := client.List(context.Background(), "Item", ListQuery{})
	if result.Outcome != ListTransient {
		t.Fatalf("expected ListTransient, got %v", result.Outcome)
	}
	if !errors.Is(result.Err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", result.Err)
	}
}

func TestListUnreachableHostIsTransient(t *testing.T) {
	client := New("http://127.0.0.1:1", "key", "secret", 500*time.Millisecond)
	result := client.List(context.Background(), "Item", ListQuery{})
	if result.Outcome != ListTransient {
		t.Fatalf("expected ListTransient for connection failure, got %v", result.Outcome)
	}
}

func TestGetDistinguishesForbidden(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/resource/Item/ITM-A":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"name": "ITM-A", "item_name": "Item A"},
			})
		case "/api/resource/Item/ITM-SECRET":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer server.Close()
	ctx := context.Background()

	doc, err := client.Get(ctx, "Item", "ITM-A")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc.Str("item_name") != "Item A" {
		t.Fatalf("unexpected doc: %+v", doc)
	}

	if _, err := client.Get(ctx, "Item", "ITM-SECRET"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := client.Get(ctx, "Item", "ITM-MISSING"); err == nil || errors.Is(err, ErrTransient) {
		t.Fatalf("expected plain not-found error, got %v", err)
	}
}

func TestCreateReturnsDocumentName(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var doc map[string]any
		_ = json.NewDecoder(r.Body).Decode(&doc)
		if doc["pos_receipt_id"] != "till-1-0001" {
			t.Errorf("expected receipt id forwarded, got %v", doc["pos_receipt_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"name": "SINV-2026-00042"},
		})
	})
	defer server.Close()

	name, err := client.Create(context.Background(), "Sales Invoice", Doc{"pos_receipt_id": "till-1-0001"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if name != "SINV-2026-00042" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestSubmitUsesClientSubmitMethod(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"message":{}}`))
	})
	defer server.Close()

	if err := client.Submit(context.Background(), "Sales Invoice", "SINV-0001"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if gotPath != "/api/method/frappe.client.submit" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	doc, _ := gotBody["doc"].(map[string]any)
	if doc["doctype"] != "Sales Invoice" || doc["name"] != "SINV-0001" {
		t.Fatalf("unexpected submit payload: %+v", gotBody)
	}
}

func TestUpdatePatchesNamedDocument(t *testing.T) {
	var gotMethod, gotPath string
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"data":{}}`))
	})
	defer server.Close()

	err := client.Update(context.Background(), "Gift Voucher", "GV-100", Doc{"balance": 40})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/resource/Gift Voucher/GV-100" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestDocAccessors(t *testing.T) {
	doc := Doc{"name": "X", "qty": 2.5, "disabled": 1.0, "active": 0.0}
	if doc.Str("name") != "X" || doc.Str("missing") != "" {
		t.Fatalf("Str accessor broken")
	}
	if doc.Num("qty") != 2.5 || doc.Num("missing") != 0 {
		t.Fatalf("Num accessor broken")
	}
	if !doc.Bool("disabled") || doc.Bool("active") || doc.Bool("missing") {
		t.Fatalf("Bool accessor broken")
	}
}
