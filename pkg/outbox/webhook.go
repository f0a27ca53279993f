package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// WebhookSender delivers records as HTTP POSTs to a connector endpoint.
// The idempotency key travels in a header so the receiving side can
// deduplicate independently; at-least-once delivery here must never
// become at-least-twice execution there.
type WebhookSender struct {
	base   string
	client *http.Client
}

// NewWebhookSender creates a sender posting to base/dispatch/<operation>.
func NewWebhookSender(base string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, rec Record) error {
	endpoint := s.base + "/dispatch/" + url.PathEscape(rec.OperationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(rec.Payload))
	if err != nil {
		return &DispatchError{Reason: contracts.ReasonDownstreamError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.IdempotencyKey)
	req.Header.Set("X-Keel-Tenant", string(rec.TenantID))
	req.Header.Set("X-Keel-Unit-Of-Work", string(rec.UnitOfWorkID))

	resp, err := s.client.Do(req)
	if err != nil {
		reason := contracts.ReasonDownstreamError
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			reason = contracts.ReasonStepTimeout
		}
		return &DispatchError{Reason: reason, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The connector rejected the operation itself; retrying the same
		// payload cannot help.
		return &DispatchError{
			Reason: contracts.ReasonNotRetryable,
			Err:    fmt.Errorf("connector rejected dispatch: %s", resp.Status),
		}
	default:
		return &DispatchError{
			Reason: contracts.ReasonDownstreamError,
			Err:    fmt.Errorf("connector returned %s", resp.Status),
		}
	}
}
