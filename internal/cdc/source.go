package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/funnel/internal/canon"
)

// Row is one entity snapshot returned by a Source.
type Row struct {
	ID   string
	Data json.RawMessage
}

// Page is one chunk of a collection. An empty Next ends the pass.
type Page struct {
	Rows []Row
	Next string
}

// Source pages through the current state of an external collection.
type Source interface {
	FetchPage(ctx context.Context, kind, cursor string) (Page, error)
}

// HTTPSource reads collections from a JSON endpoint:
//
//	GET {BaseURL}/{kind}?limit={PageSize}&cursor={cursor}
//	-> {"items": [{...}, ...], "next": "opaque-cursor"}
//
// Every item must carry the IDField (default "id") as a string or number.
type HTTPSource struct {
	BaseURL  string
	PageSize int
	IDField  string
	Token    string
	Client   *http.Client
	Retry    RetryPolicy
}

// RetryPolicy bounds retries of transient fetch failures.
type RetryPolicy struct {
	Attempts uint64
	Backoff  time.Duration
}

type httpPage struct {
	Items []json.RawMessage `json:"items"`
	Next  string            `json:"next"`
}

// errMalformedPage marks a response that decoded badly. It is not retried.
var errMalformedPage = errors.New("malformed page")

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// FetchPage implements Source. 5xx responses, 429 and transport errors are
// retried with constant backoff; other statuses and malformed bodies fail
// immediately.
func (s *HTTPSource) FetchPage(ctx context.Context, kind, cursor string) (Page, error) {
	attempts := s.Retry.Attempts
	if attempts == 0 {
		attempts = 3
	}
	backoff := s.Retry.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var page Page
	err := retry.Do(ctx, retry.WithMaxRetries(attempts-1, retry.NewConstant(backoff)), func(ctx context.Context) error {
		p, err := s.fetch(ctx, kind, cursor)
		if err != nil {
			var se *statusError
			if errors.Is(err, errMalformedPage) ||
				(errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests) {
				return err
			}
			return retry.RetryableError(err)
		}
		page = p
		return nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s page: %w", kind, err)
	}
	return page, nil
}

func (s *HTTPSource) fetch(ctx context.Context, kind, cursor string) (Page, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath(kind)
	q := u.Query()
	if s.PageSize > 0 {
		q.Set("limit", strconv.Itoa(s.PageSize))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return Page{}, &statusError{code: resp.StatusCode, body: snippet}
	}

	var hp httpPage
	if err := json.Unmarshal(body, &hp); err != nil {
		return Page{}, fmt.Errorf("%w: %w", errMalformedPage, err)
	}

	idField := s.IDField
	if idField == "" {
		idField = "id"
	}
	page := Page{Next: hp.Next, Rows: make([]Row, 0, len(hp.Items))}
	for i, item := range hp.Items {
		id, err := extractID(item, idField)
		if err != nil {
			return Page{}, fmt.Errorf("%w: item %d: %w", errMalformedPage, i, err)
		}
		page.Rows = append(page.Rows, Row{ID: id, Data: item})
	}
	return page, nil
}

func extractID(item json.RawMessage, field string) (string, error) {
	doc, err := canon.Decode(item)
	if err != nil {
		return "", err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", fmt.Errorf("item is not an object")
	}
	switch v := obj[field].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case json.Number:
		return v.String(), nil
	}
	return "", fmt.Errorf("item has no usable %q field", field)
}
