package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPSink posts messages as JSON to a gateway URL.
type HTTPSink struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
}

// NewHTTPSink creates a sink posting to url with the given per-request timeout.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxElapsed: 15 * time.Second,
	}
}

type outbound struct {
	To      string   `json:"to"`
	Type    string   `json:"type"` // "text" or "choice"
	Text    string   `json:"text"`
	Options []Option `json:"options,omitempty"`
}

func (s *HTTPSink) SendText(ctx context.Context, to, text string) error {
	return s.post(ctx, outbound{To: to, Type: "text", Text: text})
}

func (s *HTTPSink) SendChoice(ctx context.Context, to, text string, options []Option) error {
	return s.post(ctx, outbound{To: to, Type: "choice", Text: text, Options: options})
}

// post retries transport errors and 5xx responses with exponential backoff.
// 4xx responses are permanent.
func (s *HTTPSink) post(ctx context.Context, msg outbound) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.maxElapsed
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("gateway: %s", resp.Status)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("gateway: %s", resp.Status))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
