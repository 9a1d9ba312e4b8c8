// Package erp talks to the upstream ERP over its authenticated REST
// surface. Query outcomes are explicit tagged results so sync logic can
// switch on them instead of sniffing status codes.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

var (
	ErrTransient = errors.New("transient remote error")
	ErrForbidden = errors.New("remote resource forbidden")
)

// forbiddenFieldRe matches the remote's rejection of a single query field,
// e.g. "Field not permitted in query: custom_field".
var forbiddenFieldRe = regexp.MustCompile(`Field not permitted in query:\s*([A-Za-z0-9_\.]+)`)

type Doc map[string]any

func (d Doc) Str(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

func (d Doc) Num(key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func (d Doc) Bool(key string) bool {
	// The remote encodes flags as 0/1.
	return d.Num(key) != 0
}

type ListOutcome int

const (
	ListOK ListOutcome = iota
	ListForbiddenField
	ListForbiddenResource
	ListTransient
)

type ListResult struct {
	Outcome        ListOutcome
	Docs           []Doc
	ForbiddenField string
	Err            error
}

type ListQuery struct {
	Filters [][]any
	Fields  []string
	OrderBy string
	Limit   int
}

type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

func New(baseURL string, apiKey string, apiSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method string, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.apiSecret))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// List queries a page of documents. Network failures and 5xx map to
// ListTransient; a 403 naming one field maps to ListForbiddenField; any
// other 403 marks the whole resource forbidden.
func (c *Client) List(ctx context.Context, doctype string, q ListQuery) ListResult {
	params := url.Values{}
	if len(q.Filters) > 0 {
		raw, err := json.Marshal(q.Filters)
		if err != nil {
			return ListResult{Outcome: ListTransient, Err: err}
		}
		params.Set("filters", string(raw))
	}
	if len(q.Fields) > 0 {
		raw, err := json.Marshal(q.Fields)
		if err != nil {
			return ListResult{Outcome: ListTransient, Err: err}
		}
		params.Set("fields", string(raw))
	}
	if q.OrderBy != "" {
		params.Set("order_by", q.OrderBy)
	}
	limit := q.Limit
	if limit < 1 {
		limit = 100
	}
	params.Set("limit_page_length", fmt.Sprintf("%d", limit))

	path := "/api/resource/" + url.PathEscape(doctype) + "?" + params.Encode()
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return ListResult{Outcome: ListTransient, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ListResult{Outcome: ListTransient, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ListResult{Outcome: ListTransient, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return ListResult{Outcome: ListTransient, Err: fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusExpectationFailed:
		if m := forbiddenFieldRe.FindSubmatch(body); m != nil {
			return ListResult{Outcome: ListForbiddenField, ForbiddenField: string(m[1])}
		}
		return ListResult{Outcome: ListForbiddenResource, Err: fmt.Errorf("%w: %s", ErrForbidden, doctype)}
	case resp.StatusCode != http.StatusOK:
		return ListResult{Outcome: ListTransient, Err: fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)}
	}

	var parsed struct {
		Data []Doc `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ListResult{Outcome: ListTransient, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	return ListResult{Outcome: ListOK, Docs: parsed.Data}
}

// Get fetches one full document. Unlike List it surfaces plain errors:
// ErrForbidden and ErrTransient are distinguishable via errors.Is.
func (c *Client) Get(ctx context.Context, doctype string, name string) (Doc, error) {
	path := "/api/resource/" + url.PathEscape(doctype) + "/" + url.PathEscape(name)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s/%s", ErrForbidden, doctype, name)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s not found", doctype, name)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	var parsed struct {
		Data Doc `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return parsed.Data, nil
}

// Create inserts a document and returns its remote name.
func (c *Client) Create(ctx context.Context, doctype string, doc Doc) (string, error) {
	path := "/api/resource/" + url.PathEscape(doctype)
	req, err := c.newRequest(ctx, http.MethodPost, path, doc)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create %s: status %d: %s", doctype, resp.StatusCode, truncate(body, 300))
	}

	var parsed struct {
		Data Doc `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	name := parsed.Data.Str("name")
	if name == "" {
		return "", fmt.Errorf("create %s: response missing document name", doctype)
	}
	return name, nil
}

// Submit transitions a draft document to submitted.
func (c *Client) Submit(ctx context.Context, doctype string, name string) error {
	payload := map[string]any{
		"doc": map[string]any{"doctype": doctype, "name": name},
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/method/frappe.client.submit", payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit %s %s: status %d: %s", doctype, name, resp.StatusCode, truncate(body, 300))
	}
	return nil
}

// Update patches named fields on an existing document.
func (c *Client) Update(ctx context.Context, doctype string, name string, fields Doc) error {
	path := "/api/resource/" + url.PathEscape(doctype) + "/" + url.PathEscape(name)
	req, err := c.newRequest(ctx, http.MethodPut, path, fields)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update %s %s: status %d: %s", doctype, name, resp.StatusCode, truncate(body, 300))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
