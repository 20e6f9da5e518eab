package driftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/snappy"
)

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRemoteConfig configures the hosted profile service client.
type HTTPRemoteConfig struct {
	// BaseURL is the profile service endpoint, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token" json:"-"`

	// Timeout bounds each HTTP request. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// EnableCompression snappy-compresses request bodies.
	EnableCompression bool `yaml:"enable_compression" json:"enable_compression"`

	// Retry configures transient-failure retries.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// TxnMaxAttempts bounds transaction retries on version conflict.
	TxnMaxAttempts int `yaml:"txn_max_attempts" json:"txn_max_attempts"`

	// CircuitMaxFailures opens the circuit after this many consecutive
	// failures. Default: 5.
	CircuitMaxFailures int `yaml:"circuit_max_failures" json:"circuit_max_failures"`

	// CircuitResetTimeout is how long the circuit stays open. Default: 60s.
	CircuitResetTimeout time.Duration `yaml:"circuit_reset_timeout" json:"circuit_reset_timeout"`

	// HTTPClient overrides the default client.
	HTTPClient HTTPDoer `yaml:"-" json:"-"`
}

// DefaultHTTPRemoteConfig returns default configuration.
func DefaultHTTPRemoteConfig(baseURL string) HTTPRemoteConfig {
	return HTTPRemoteConfig{
		BaseURL:             baseURL,
		Timeout:             30 * time.Second,
		EnableCompression:   true,
		Retry:               DefaultRetryConfig(),
		TxnMaxAttempts:      8,
		CircuitMaxFailures:  5,
		CircuitResetTimeout: 60 * time.Second,
	}
}

// versionHeader carries the document version for conditional commits.
const versionHeader = "X-Profile-Version"

// HTTPRemoteStore implements RemoteStore against the hosted profile service.
// Batches post to an atomic batch endpoint; transactions read the document
// with its version and commit through a conditional-apply endpoint, retrying
// on 409.
type HTTPRemoteStore struct {
	config  HTTPRemoteConfig
	client  HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker
}

// NewHTTPRemoteStore creates a profile service client.
func NewHTTPRemoteStore(config HTTPRemoteConfig) (*HTTPRemoteStore, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("http remote: BaseURL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.TxnMaxAttempts <= 0 {
		config.TxnMaxAttempts = 8
	}
	if config.CircuitMaxFailures <= 0 {
		config.CircuitMaxFailures = 5
	}
	if config.CircuitResetTimeout <= 0 {
		config.CircuitResetTimeout = 60 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	retryCfg := config.Retry
	if retryCfg.RetryIf == nil {
		retryCfg.RetryIf = IsRetryable
	}

	return &HTTPRemoteStore{
		config:  config,
		client:  client,
		retryer: NewRetryer(retryCfg),
		cb:      NewCircuitBreaker(config.CircuitMaxFailures, config.CircuitResetTimeout),
	}, nil
}

func (h *HTTPRemoteStore) docURL(docID string) string {
	return fmt.Sprintf("%s/v1/profiles/%s", h.config.BaseURL, docID)
}

// Get fetches the full document. Returns ErrNotFound for unknown IDs.
func (h *HTTPRemoteStore) Get(ctx context.Context, docID string) (Document, error) {
	doc, _, found, err := h.getWithVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newRemoteError(RemoteErrorTypeNotFound, "document not found", docID, nil)
	}
	return doc, nil
}

// getWithVersion reads the document plus its version header. A 404 reports
// found=false with version 0 so transactions can create the document.
func (h *HTTPRemoteStore) getWithVersion(ctx context.Context, docID string) (Document, int64, bool, error) {
	var doc Document
	var version int64
	var found bool

	result := h.retryer.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.docURL(docID), nil)
		if err != nil {
			return err
		}
		h.setHeaders(req, false)

		resp, err := h.client.Do(req)
		if err != nil {
			return newRemoteError(RemoteErrorTypeTransient, "fetch failed", docID, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			doc, version, found = Document{}, 0, false
			return nil
		case resp.StatusCode != http.StatusOK:
			return h.statusError(resp, docID)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return newRemoteError(RemoteErrorTypeTransient, "read body failed", docID, err)
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return newRemoteError(RemoteErrorTypeUnknown, "decode document failed", docID, err)
		}
		version, _ = strconv.ParseInt(resp.Header.Get(versionHeader), 10, 64)
		found = true
		return nil
	})
	if result.LastErr != nil {
		return nil, 0, false, result.LastErr
	}
	return doc, version, found, nil
}

// ApplyBatch posts one atomic multi-field write to the batch endpoint.
func (h *HTTPRemoteStore) ApplyBatch(ctx context.Context, docID string, batch WriteBatch) error {
	if batch.Empty() {
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("http remote: encode batch: %w", err)
	}

	return h.cb.Execute(func() error {
		result := h.retryer.Do(ctx, func() error {
			return h.post(ctx, docID, h.docURL(docID)+"/batch", body, nil)
		})
		return result.LastErr
	})
}

// commitRequest is the conditional-apply payload for transactions.
type commitRequest struct {
	Version int64          `json:"version"`
	Sets    map[string]any `json:"sets"`
}

// RunTransaction reads the document with its version, runs fn locally, and
// commits through the conditional-apply endpoint. The service rejects a
// commit whose version precondition no longer holds with 409, which re-runs
// fn against the fresh state.
func (h *HTTPRemoteStore) RunTransaction(ctx context.Context, docID string, fn func(tx *Txn) error) error {
	for attempt := 1; attempt <= h.config.TxnMaxAttempts; attempt++ {
		doc, version, _, err := h.getWithVersion(ctx, docID)
		if err != nil {
			return err
		}

		tx := newTxn(doc)
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes()) == 0 {
			return nil
		}

		body, err := json.Marshal(commitRequest{Version: version, Sets: tx.writes()})
		if err != nil {
			return fmt.Errorf("http remote: encode commit: %w", err)
		}

		var conflicted bool
		err = h.post(ctx, docID, h.docURL(docID)+"/commit", body, &conflicted)
		if err != nil {
			return err
		}
		if !conflicted {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computeBackoff(attempt, 10*time.Millisecond, 500*time.Millisecond, 2.0)):
		}
	}

	return newRemoteError(RemoteErrorTypeConflict, "transaction retries exhausted", docID, ErrConflict)
}

// post sends a JSON (optionally snappy-compressed) body. When conflicted is
// non-nil a 409 response sets it instead of failing.
func (h *HTTPRemoteStore) post(ctx context.Context, docID, url string, body []byte, conflicted *bool) error {
	payload := body
	compressed := false
	if h.config.EnableCompression {
		payload = snappy.Encode(nil, body)
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	h.setHeaders(req, compressed)

	resp, err := h.client.Do(req)
	if err != nil {
		return newRemoteError(RemoteErrorTypeTransient, "request failed", docID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		if conflicted != nil {
			*conflicted = true
			return nil
		}
		return newRemoteError(RemoteErrorTypeConflict, "write conflict", docID, ErrConflict)
	default:
		return h.statusError(resp, docID)
	}
}

func (h *HTTPRemoteStore) setHeaders(req *http.Request, compressed bool) {
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "snappy")
	}
	if h.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.AuthToken)
	}
}

func (h *HTTPRemoteStore) statusError(resp *http.Response, docID string) error {
	errType := RemoteErrorTypeUnknown
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		errType = RemoteErrorTypeTransient
	}
	return newRemoteError(errType, fmt.Sprintf("unexpected status %d", resp.StatusCode), docID, nil)
}

// Close releases no resources; it exists to satisfy RemoteStore.
func (h *HTTPRemoteStore) Close() error {
	return nil
}
