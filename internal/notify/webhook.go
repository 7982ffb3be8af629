package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/child-finder/internal/logging"
	"golang.org/x/time/rate"
)

// WebhookNotifier posts alerts as JSON to a messaging gateway.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

type webhookPayload struct {
	Phone            string `json:"phone"`
	ChildName        string `json:"child_name"`
	Location         string `json:"location,omitempty"`
	Text             string `json:"text"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Phone:            msg.Phone,
		ChildName:        msg.ChildName,
		Location:         msg.Location,
		Text:             msg.Text(),
		ConfirmationCode: msg.ConfirmationCode,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// LogNotifier writes the alert to the log. It never fails, so it belongs at
// the end of a chain where a human watches the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrDefault(logger)}
}

func (l *LogNotifier) Notify(_ context.Context, msg Message) error {
	l.logger.Warn("guardian alert pending manual delivery", "phone", msg.Phone, "child", msg.ChildName, "text", msg.Text())
	return nil
}

// Throttled limits how often the wrapped notifier is called.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewThrottled allows perMinute deliveries per minute with a burst of one.
// A non-positive rate disables throttling.
func NewThrottled(next Notifier, perMinute float64) *Throttled {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (t *Throttled) Notify(ctx context.Context, msg Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for notification slot: %w", err)
	}
	return t.next.Notify(ctx, msg)
}
