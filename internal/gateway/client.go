package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"boardline/internal/domain"
	"boardline/internal/realtime"
)

const DefaultMetaMethod = "infintrix_atlas.api.v1.get_doctype_meta"

// Client talks to the platform's REST API. Realtime subscriptions are served
// by Bus; without one, Subscribe fails.
type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	MetaMethod string
	HTTPClient *http.Client
	Timeout    time.Duration
	Bus        realtime.Bus

	// fallback serves requests when HTTPClient is unset; handlers share one
	// Client, so it is built once.
	fallbackOnce sync.Once
	fallback     *http.Client
}

func NewClient(baseURL, apiKey, apiSecret string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		MetaMethod: DefaultMetaMethod,
		Timeout:    10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Message is the server's exception text
// when the body carries one.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (c *Client) ListDocuments(ctx context.Context, doctype string, opts ListOptions) ([]domain.Document, error) {
	q := url.Values{}
	if len(opts.Fields) > 0 {
		if err := setJSON(q, "fields", opts.Fields); err != nil {
			return nil, err
		}
	}
	for _, f := range append(append([]Filter{}, opts.Filters...), opts.OrFilters...) {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	if len(opts.Filters) > 0 {
		if err := setJSON(q, "filters", opts.Filters); err != nil {
			return nil, err
		}
	}
	if len(opts.OrFilters) > 0 {
		if err := setJSON(q, "or_filters", opts.OrFilters); err != nil {
			return nil, err
		}
	}
	if opts.OrderBy != "" {
		q.Set("order_by", opts.OrderBy)
	}
	// The platform pages at 20 unless told otherwise; 0 means everything.
	q.Set("limit_page_length", strconv.Itoa(opts.Limit))
	if opts.Offset > 0 {
		q.Set("limit_start", strconv.Itoa(opts.Offset))
	}
	var resp struct {
		Data []domain.Document `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, resourcePath(doctype, "")+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) GetDocument(ctx context.Context, doctype, name string) (domain.Document, error) {
	var resp struct {
		Data domain.Document `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, resourcePath(doctype, name), nil, &resp)
	return resp.Data, err
}

func (c *Client) CreateDocument(ctx context.Context, doctype string, fields map[string]any) (domain.Document, error) {
	var resp struct {
		Data domain.Document `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, resourcePath(doctype, ""), fields, &resp)
	return resp.Data, err
}

func (c *Client) UpdateDocument(ctx context.Context, doctype, name string, fields map[string]any) (domain.Document, error) {
	var resp struct {
		Data domain.Document `json:"data"`
	}
	err := c.do(ctx, http.MethodPut, resourcePath(doctype, name), fields, &resp)
	return resp.Data, err
}

func (c *Client) DeleteDocument(ctx context.Context, doctype, name string) error {
	return c.do(ctx, http.MethodDelete, resourcePath(doctype, name), nil, nil)
}

// BatchUpdate sends every patch in one bulk_update call.
func (c *Client) BatchUpdate(ctx context.Context, doctype string, patches []Patch) error {
	if len(patches) == 0 {
		return nil
	}
	docs := make([]map[string]any, 0, len(patches))
	for _, p := range patches {
		doc := map[string]any{"doctype": doctype, "docname": p.Name}
		for k, v := range p.Fields {
			doc[k] = v
		}
		docs = append(docs, doc)
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	res, err := c.CallMethod(ctx, "frappe.client.bulk_update", map[string]any{"docs": string(raw)})
	if err != nil {
		return err
	}
	if m, ok := res.(map[string]any); ok {
		if failed, ok := m["failed_docs"].([]any); ok && len(failed) > 0 {
			return fmt.Errorf("bulk update of %s: %d of %d documents failed", doctype, len(failed), len(patches))
		}
	}
	return nil
}

func (c *Client) CallMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	var resp struct {
		Message any `json:"message"`
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := c.do(ctx, http.MethodPost, "api/method/"+url.PathEscape(method), params, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (c *Client) DocTypeMeta(ctx context.Context, doctype string) (*domain.DocType, error) {
	method := c.MetaMethod
	if method == "" {
		method = DefaultMetaMethod
	}
	var resp struct {
		Message *domain.DocType `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "api/method/"+url.PathEscape(method), map[string]any{"doctype": doctype}, &resp); err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("%w: no meta for %s", ErrNotFound, doctype)
	}
	if resp.Message.Name == "" {
		resp.Message.Name = doctype
	}
	return resp.Message, nil
}

func (c *Client) Subscribe(event string, h realtime.Handler) (func(), error) {
	if c.Bus == nil {
		return nil, errors.New("gateway: no realtime bus configured")
	}
	return c.Bus.Subscribe(event, h)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "token "+c.APIKey+":"+c.APISecret)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b), Message: serverMessage(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	c.fallbackOnce.Do(func() {
		c.fallback = &http.Client{Timeout: c.Timeout}
	})
	return c.fallback
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func resourcePath(doctype, name string) string {
	p := "api/resource/" + url.PathEscape(doctype)
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return p
}

func setJSON(q url.Values, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	q.Set(key, string(b))
	return nil
}

// serverMessage extracts a human readable message from an error body. The
// platform nests user messages as JSON strings inside a JSON string list.
func serverMessage(body []byte) string {
	var payload struct {
		Exception      string `json:"exception"`
		ServerMessages string `json:"_server_messages"`
		Message        any    `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.ServerMessages != "" {
		var raw []string
		if err := json.Unmarshal([]byte(payload.ServerMessages), &raw); err == nil {
			var msgs []string
			for _, r := range raw {
				var m struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal([]byte(r), &m); err == nil && m.Message != "" {
					msgs = append(msgs, m.Message)
				} else if r != "" {
					msgs = append(msgs, r)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	if payload.Exception != "" {
		if _, after, ok := strings.Cut(payload.Exception, ": "); ok {
			return after
		}
		return payload.Exception
	}
	if s, ok := payload.Message.(string); ok {
		return s
	}
	return ""
}
