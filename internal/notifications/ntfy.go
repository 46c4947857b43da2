package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/services"
)

const userAgent = "Diarist-Go/0.1.0"

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// NtfySink pushes outcome events to an ntfy topic URL. Intermediate
// statuses are skipped since they are noise on a phone.
type NtfySink struct {
	endpoint string
	client   *http.Client
}

// NewNtfySink returns nil when no topic is configured.
func NewNtfySink(cfg config.Notifications) *NtfySink {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return nil
	}
	timeout := time.Duration(cfg.NtfyRequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NtfySink{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

// Name identifies the sink in logs and metrics.
func (n *NtfySink) Name() string { return "ntfy" }

// Publish sends the event if it is worth a push.
func (n *NtfySink) Publish(ctx context.Context, event Event) error {
	data, ok := formatPayload(event)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

// TestNotification sends a fixed message to verify the topic.
func (n *NtfySink) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Diarist - Test",
		message:  "Notification system test",
		tags:     []string{"diarist", "test"},
		priority: "low",
	})
}

func formatPayload(event Event) (payload, bool) {
	if event.Type == EventTest {
		return payload{title: "Diarist - Test", message: "Notification system test", tags: []string{"diarist", "test"}, priority: "low"}, true
	}
	subject := strings.TrimSpace(event.SubjectID)
	kind := strings.ToLower(string(event.Kind))
	switch event.Status {
	case jobs.StatusCompleted:
		return payload{
			title:   "Diarist - Complete",
			message: fmt.Sprintf("%s finished: %s", kind, subject),
			tags:    []string{"diarist", kind, "completed"},
		}, true
	case jobs.StatusError:
		message := fmt.Sprintf("%s failed: %s", kind, subject)
		if reason := strings.TrimSpace(event.Error); reason != "" {
			message += "\n" + reason
		}
		return payload{
			title:    "Diarist - Failed",
			message:  message,
			tags:     []string{"diarist", kind, "error"},
			priority: "high",
		}, true
	case jobs.StatusOrphaned:
		return payload{
			title:    "Diarist - Needs Recovery",
			message:  fmt.Sprintf("%s stuck after %d retries: %s\nManual recovery required", kind, event.RetryCount, subject),
			tags:     []string{"diarist", kind, "orphaned"},
			priority: "high",
		}, true
	case jobs.StatusCancelled:
		return payload{
			title:   "Diarist - Cancelled",
			message: fmt.Sprintf("%s cancelled: %s", kind, subject),
			tags:    []string{"diarist", kind, "cancelled"},
		}, true
	default:
		return payload{}, false
	}
}

func (n *NtfySink) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "ntfy", "build request", "", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		marker := services.ErrTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			marker = services.ErrPermanent
		}
		return services.Wrap(marker, "ntfy", "send", fmt.Sprintf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
