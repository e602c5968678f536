package venue

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Signer applies a venue's authentication scheme to an outgoing request.
// The raw body is passed separately because several venues sign over it.
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// Renewer is implemented by signers whose credentials expire mid-flight
// (session tokens, OAuth access tokens). The transport calls Renew once
// after a 401 before giving up.
type Renewer interface {
	Renew(ctx context.Context) error
}

// TransportConfig tunes the shared venue HTTP client. Zero values fall
// back to defaults.
type TransportConfig struct {
	BaseURL        string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	BreakerName    string
}

func (c *TransportConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.BreakerName == "" {
		c.BreakerName = "venue"
	}
}

// Transport is the signing, retrying HTTP client shared by all adapters.
// Transient failures (transport errors, 429, 5xx) are retried with
// exponential backoff and jitter; a 401 triggers a single credential
// renewal when the signer supports it; every exchange passes through a
// circuit breaker so a dead venue fails fast instead of queueing.
type Transport struct {
	base    string
	client  *http.Client
	signer  Signer
	cfg     TransportConfig
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Entry
}

// NewTransport builds a Transport for one venue endpoint.
func NewTransport(cfg TransportConfig, signer Signer, logger *logrus.Entry) *Transport {
	cfg.applyDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.6
		},
	})
	return &Transport{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.CallTimeout},
		signer:  signer,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}
}

// Get issues a signed GET and decodes the JSON response into out.
func (t *Transport) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return t.do(ctx, http.MethodGet, path, query, "", nil, out)
}

// PostJSON issues a signed POST with a JSON body.
func (t *Transport) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	_, err := t.PostJSONHeaders(ctx, path, body, out)
	return err
}

// PostJSONHeaders is PostJSON exposing the response headers, for venues
// that return created-resource ids in a Location header.
func (t *Transport) PostJSONHeaders(ctx context.Context, path string, body, out interface{}) (http.Header, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return t.doHeaders(ctx, http.MethodPost, path, nil, "application/json", raw, out)
}

// PutJSON issues a signed PUT with a JSON body.
func (t *Transport) PutJSON(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	return t.do(ctx, http.MethodPut, path, nil, "application/json", raw, out)
}

// PostForm issues a signed POST with url-encoded form parameters.
func (t *Transport) PostForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	return t.do(ctx, http.MethodPost, path, nil, "application/x-www-form-urlencoded", []byte(form.Encode()), out)
}

// PostQuery issues a signed POST carrying parameters in the query string,
// for venues that sign over the query rather than a body.
func (t *Transport) PostQuery(ctx context.Context, path string, query url.Values, out interface{}) error {
	return t.do(ctx, http.MethodPost, path, query, "", nil, out)
}

// Delete issues a signed DELETE.
func (t *Transport) Delete(ctx context.Context, path string, query url.Values, out interface{}) error {
	return t.do(ctx, http.MethodDelete, path, query, "", nil, out)
}

func (t *Transport) do(ctx context.Context, method, path string, query url.Values, contentType string, body []byte, out interface{}) error {
	_, err := t.doHeaders(ctx, method, path, query, contentType, body, out)
	return err
}

func (t *Transport) doHeaders(ctx context.Context, method, path string, query url.Values, contentType string, body []byte, out interface{}) (http.Header, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	endpoint := t.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	renewed := false
	backoff := t.cfg.InitialBackoff

	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if err := callCtx.Err(); err != nil {
			return nil, fmt.Errorf("%s %s canceled: %w", method, path, err)
		}

		status, header, raw, err := t.exchange(callCtx, method, endpoint, contentType, body)
		if err == nil && status < 300 {
			if out == nil || len(raw) == 0 || status == http.StatusNoContent {
				return header, nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return header, fmt.Errorf("decoding %s %s response: %w", method, path, err)
			}
			return header, nil
		}

		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusUnauthorized:
			renewer, ok := t.signer.(Renewer)
			if ok && !renewed {
				if rerr := renewer.Renew(callCtx); rerr != nil {
					return nil, fmt.Errorf("renewing credentials after 401: %w", rerr)
				}
				renewed = true
				t.logger.WithField("path", path).Info("credentials renewed after 401, retrying")
				continue
			}
			return nil, &APIError{Status: status, Body: truncate(raw)}
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = &APIError{Status: status, Body: truncate(raw)}
		default:
			return nil, &APIError{Status: status, Body: truncate(raw)}
		}

		if attempt == t.cfg.MaxRetries {
			break
		}
		t.logger.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("venue call failed, retrying")
		select {
		case <-time.After(withJitter(backoff)):
		case <-callCtx.Done():
			return nil, fmt.Errorf("%s %s canceled during backoff: %w", method, path, callCtx.Err())
		}
		backoff *= 2
		if backoff > t.cfg.MaxBackoff {
			backoff = t.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, t.cfg.MaxRetries+1, lastErr)
}

// exchange runs a single signed HTTP round trip through the circuit
// breaker and returns the status, headers, and response body (capped at
// 64KB).
func (t *Transport) exchange(ctx context.Context, method, endpoint, contentType string, body []byte) (int, http.Header, []byte, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader = http.NoBody
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "signalgate/1.0")
		if t.signer != nil {
			if err := t.signer.Sign(req, body); err != nil {
				return nil, fmt.Errorf("signing request: %w", err)
			}
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				t.logger.WithError(cerr).Warn("closing response body")
			}
		}()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		result := exchangeResult{status: resp.StatusCode, header: resp.Header, body: raw}
		// A 5xx is a venue failure and must count toward tripping the
		// breaker; the result travels alongside so the retry loop still
		// sees the status and body.
		if resp.StatusCode >= 500 {
			return result, &APIError{Status: resp.StatusCode, Body: truncate(raw)}
		}
		return result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, nil, fmt.Errorf("circuit breaker: %w", err)
		}
		if r, ok := res.(exchangeResult); ok {
			return r.status, r.header, r.body, nil
		}
		return 0, nil, nil, err
	}
	r, ok := res.(exchangeResult)
	if !ok {
		return 0, nil, nil, errors.New("circuit breaker: type assertion failed")
	}
	return r.status, r.header, r.body, nil
}

type exchangeResult struct {
	status int
	header http.Header
	body   []byte
}

func withJitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

func truncate(raw []byte) string {
	const limit = 2048
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
