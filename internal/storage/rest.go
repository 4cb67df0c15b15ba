package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/resilience"
)

// maxReplyBytes caps how much of a store's reply is read.
const maxReplyBytes = 1 << 20

// REST posts records as JSON to a storage gateway endpoint. The same type
// serves either phase; the endpoint decides what it stores.
type REST struct {
	url   string
	http  *http.Client
	retry resilience.Policy
}

var (
	_ RelationalStore = (*REST)(nil)
	_ VectorialStore  = (*REST)(nil)
)

// RESTOption configures a REST store.
type RESTOption func(*REST)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RESTOption {
	return func(r *REST) { r.http = hc }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p resilience.Policy) RESTOption {
	return func(r *REST) { r.retry = p }
}

// NewREST creates a REST store posting to url.
func NewREST(url string, opts ...RESTOption) *REST {
	r := &REST{
		url: url,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *REST) StoreRelational(ctx context.Context, data []byte) (RelationalReply, error) {
	var reply RelationalReply
	err := r.post(ctx, data, &reply)
	return reply, err
}

func (r *REST) StoreVectorial(ctx context.Context, data []byte) (VectorialReply, error) {
	var reply VectorialReply
	err := r.post(ctx, data, &reply)
	return reply, err
}

// post retries on transport errors and transient statuses. Any other
// non-2xx status is returned as an error without retrying.
func (r *REST) post(ctx context.Context, data []byte, into any) error {
	body, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
		if err != nil {
			return nil, eris.Wrap(err, "storage: build request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := r.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "storage: post %s", r.url), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "storage: read reply"), resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, resilience.WrapHTTPStatus(
				eris.Errorf("storage: %s returned %d: %s", r.url, resp.StatusCode, truncate(raw, 200)),
				resp.StatusCode,
			)
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return eris.Wrap(err, "storage: decode reply")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
