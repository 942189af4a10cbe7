// Package http provides the HTTP implementation of transport.RemoteStore and
// a reference server exposing any RemoteStore over the same wire format.
package http

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
	"time"

	"github.com/medirec/offsync/cursor"
	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/transport"
)

// Limits bounds response handling for the client.
type Limits struct {
	// MaxBodyBytes caps the size of a response body.
	MaxBodyBytes int64
}

// Client implements transport.RemoteStore over HTTP. Timeouts and connection
// failures surface as transient errors; response statuses are mapped onto the
// error taxonomy so the engine can route them.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
}

// Compile-time check
var _ transport.RemoteStore = (*Client)(nil)

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets response size limits.
func WithLimits(l Limits) ClientOption {
	return func(c *Client) { c.limits = l }
}

// NewClient creates a RemoteStore client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateDocument(ctx context.Context, d record.Document) (record.Document, error) {
	var out record.Document
	path := fmt.Sprintf("/collections/%s/documents", url.PathEscape(d.Collection))
	if err := c.do(ctx, http.MethodPost, path, nil, d, &out); err != nil {
		return record.Document{}, err
	}
	return out, nil
}

func (c *Client) GetDocument(ctx context.Context, collection, id string) (record.Document, error) {
	var out record.Document
	path := fmt.Sprintf("/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return record.Document{}, err
	}
	return out, nil
}

func (c *Client) UpdateDocument(ctx context.Context, d record.Document, baseVersion int64) (record.Document, error) {
	var out record.Document
	path := fmt.Sprintf("/collections/%s/documents/%s", url.PathEscape(d.Collection), url.PathEscape(d.ID))
	headers := map[string]string{ifMatchHeader: strconv.FormatInt(baseVersion, 10)}
	if err := c.do(ctx, http.MethodPut, path, headers, d, &out); err != nil {
		return record.Document{}, err
	}
	return out, nil
}

func (c *Client) DeleteDocument(ctx context.Context, collection, id string, baseVersion int64) (int64, error) {
	var out deleteResponse
	path := fmt.Sprintf("/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(id))
	headers := map[string]string{ifMatchHeader: strconv.FormatInt(baseVersion, 10)}
	if err := c.do(ctx, http.MethodDelete, path, headers, nil, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func (c *Client) ListDocuments(ctx context.Context, collection string, since cursor.Cursor, limit int) (*transport.ListResult, error) {
	path := fmt.Sprintf("/collections/%s/changes", url.PathEscape(collection))

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if since != nil && !since.IsZero() {
		data, err := cursor.Encode(since)
		if err != nil {
			return nil, syncErrors.NewValidation(syncErrors.OpPull, err)
		}
		q.Set("cursor", string(data))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp changesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}

	result := &transport.ListResult{Documents: resp.Documents}
	if resp.Next != nil {
		next, err := cursor.UnmarshalWire(resp.Next)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, syncErrors.OpPull, "transport/http")
		}
		result.Next = next
	}
	return result, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do executes one request and decodes the response, mapping failures onto the
// error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out any) error {
	op := opForMethod(method)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return syncErrors.NewValidation(op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return syncErrors.NewValidation(op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Connection failures and client-side timeouts are retryable.
		return syncErrors.NewTransient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxBodyBytes))
	if err != nil {
		return syncErrors.NewTransient(op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var remoteErr errorResponse
		_ = json.Unmarshal(data, &remoteErr)
		msg := remoteErr.Error
		if msg == "" {
			msg = fmt.Sprintf("remote returned status %d", resp.StatusCode)
		}
		return syncErrors.FromHTTPStatus(op, resp.StatusCode, errors.New(msg))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return syncErrors.WrapOpComponent(err, op, "transport/http")
		}
	}
	return nil
}

func opForMethod(method string) syncErrors.Operation {
	if method == http.MethodGet {
		return syncErrors.OpPull
	}
	return syncErrors.OpPush
}
