package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// Webhook posts notifications as JSON to a configured endpoint.
type Webhook struct {
	URL     string
	Headers map[string]string
}

// payload is the JSON body sent to the endpoint.
type payload struct {
	Timestamp string `json:"timestamp"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Priority  bool   `json:"priority,omitempty"`
	Link      string `json:"link,omitempty"`
}

// Send fires a goroutine so delivery never blocks the caller. Errors
// are reported on stderr and otherwise dropped.
func (w *Webhook) Send(title, message string, opts Options) {
	if w == nil || w.URL == "" {
		return
	}
	go func() {
		if err := w.post(title, message, opts); err != nil {
			fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		}
	}()
}

// post delivers one notification with retry on 5xx.
func (w *Webhook) post(title, message string, opts Options) error {
	body, err := json.Marshal(payload{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Title:     title,
		Message:   message,
		Priority:  opts.Priority,
		Link:      opts.Link,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}
