package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/logging"
)

// WebhookChannel posts the event as JSON
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string, headers map[string]string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{url: url, headers: headers, client: &http.Client{Timeout: timeout}}
}

// Send posts the event
func (wc *WebhookChannel) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(struct {
		Event
		Severity Severity `json:"severity"`
	}{e, e.Severity()})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return post(ctx, wc.client, wc.url, wc.headers, payload)
}

// Type returns the channel type
func (wc *WebhookChannel) Type() string { return "webhook" }

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(url, channel string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{url: url, channel: channel, client: &http.Client{Timeout: timeout}}
}

var severityColors = map[Severity]string{
	SeverityInfo:     "#36a64f",
	SeverityWarning:  "#ff9900",
	SeverityCritical: "#ff0000",
}

// Send posts a Slack attachment for the event
func (sc *SlackChannel) Send(ctx context.Context, e Event) error {
	payload := map[string]interface{}{
		"text": e.Title,
		"attachments": []map[string]interface{}{
			{
				"color":     severityColors[e.Severity()],
				"title":     e.Title,
				"text":      e.Message,
				"timestamp": e.Timestamp.Unix(),
				"fields": []map[string]interface{}{
					{"title": "Tenant", "value": e.TenantID, "short": true},
					{"title": "Event", "value": e.Name, "short": true},
					{"title": e.EntityType, "value": e.EntityID, "short": true},
				},
			},
		},
	}
	if sc.channel != "" {
		payload["channel"] = sc.channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return post(ctx, sc.client, sc.url, nil, body)
}

// Type returns the channel type
func (sc *SlackChannel) Type() string { return "slack" }

func post(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel mails the event to the configured and tenant recipients
type EmailChannel struct {
	cfg config.ChannelConfig
}

// NewEmailChannel creates an e-mail channel
func NewEmailChannel(cfg config.ChannelConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

// Send mails the event. Events without recipients are dropped.
func (ec *EmailChannel) Send(ctx context.Context, e Event) error {
	to := append(append([]string(nil), ec.cfg.Recipients...), e.Recipients...)
	if len(to) == 0 {
		return nil
	}

	body := fmt.Sprintf("%s\r\n\r\nTenant: %s\r\nEvent: %s\r\n%s: %s\r\nTime: %s\r\n\r\n%s\r\n",
		e.Title, e.TenantID, e.Name, e.EntityType, e.EntityID, e.Timestamp.Format(time.RFC3339), e.Message)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s",
		ec.cfg.From, strings.Join(to, ","), e.Severity(), e.Title, body)

	var auth smtp.Auth
	if ec.cfg.Username != "" {
		auth = smtp.PlainAuth("", ec.cfg.Username, ec.cfg.Password, ec.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", ec.cfg.SMTPHost, ec.cfg.SMTPPort)

	errCh := make(chan error, 1)
	go func() { errCh <- smtp.SendMail(addr, auth, ec.cfg.From, to, []byte(msg)) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Type returns the channel type
func (ec *EmailChannel) Type() string { return "email" }

// FileChannel appends one JSON line per event
type FileChannel struct {
	mu   sync.Mutex
	path string
}

// NewFileChannel creates a file channel
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

// Send appends the event to the file
func (fc *FileChannel) Send(_ context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	f, err := os.OpenFile(fc.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// Type returns the channel type
func (fc *FileChannel) Type() string { return "file" }

// LogChannel writes events to the application log
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send logs the event at a level matching its severity
func (lc *LogChannel) Send(_ context.Context, e Event) error {
	entry := lc.logger.WithFields(map[string]interface{}{
		"event":       e.Name,
		"tenant_id":   e.TenantID,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
	})
	switch e.Severity() {
	case SeverityCritical:
		entry.Error(e.Title)
	case SeverityWarning:
		entry.Warn(e.Title)
	default:
		entry.Info(e.Title)
	}
	return nil
}

// Type returns the channel type
func (lc *LogChannel) Type() string { return "log" }
