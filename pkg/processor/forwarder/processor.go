// Package forwarder provides the streaming_forwarder processor: records are
// forwarded to an external HTTP endpoint with a bounded retry budget.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/processor"
)

const (
	Type = "streaming_forwarder"

	defaultMethod   = http.MethodPost
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3
	defaultDelay    = time.Second
)

// Factory creates Forwarder instances.
type Factory struct{}

func NewFactory() processor.Factory {
	return &Factory{}
}

func (f *Factory) ID() string   { return Type }
func (f *Factory) Name() string { return "Streaming Forwarder" }

func (f *Factory) Description() string {
	return "Forwards each record body to an HTTP endpoint, retrying failed requests within a bounded budget"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "HTTP URL records are forwarded to",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method",
				"default":     defaultMethod,
				"enum":        []string{"POST", "PUT", "PATCH"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Additional HTTP headers sent with every request",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Per-request timeout in seconds",
				"minimum":     1,
				"maximum":     300,
			},
			"retries": map[string]any{
				"type":        "object",
				"description": "Retry budget for failed requests",
				"properties": map[string]any{
					"attempts": map[string]any{
						"type":    "number",
						"minimum": 1,
						"maximum": 10,
					},
					"delay": map[string]any{
						"type":        "number",
						"description": "Delay between attempts in milliseconds",
						"minimum":     0,
						"maximum":     30000,
					},
				},
			},
		},
		"required": []string{"url"},
	}
}

func (f *Factory) Create(_ context.Context, id string, config map[string]any) (processor.Processor, error) {
	url, _ := config["url"].(string)

	method, _ := config["method"].(string)
	if method == "" {
		method = defaultMethod
	}

	headers := make(map[string]string)
	if rawHeaders, ok := config["headers"].(map[string]any); ok {
		for key, value := range rawHeaders {
			if text, ok := value.(string); ok {
				headers[key] = text
			}
		}
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	attempts := defaultAttempts
	delay := defaultDelay

	if retries, ok := config["retries"].(map[string]any); ok {
		if n, ok := retries["attempts"].(float64); ok && n >= 1 {
			attempts = int(n)
		}

		if ms, ok := retries["delay"].(float64); ok && ms >= 0 {
			delay = time.Duration(ms) * time.Millisecond
		}
	}

	return &Forwarder{
		id:       id,
		url:      url,
		method:   method,
		headers:  headers,
		attempts: attempts,
		delay:    delay,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Forwarder sends each record value as the request body. Non-2xx responses
// and transport errors are retried up to the configured budget; client
// errors (4xx) are permanent and not retried.
type Forwarder struct {
	id       string
	url      string
	method   string
	headers  map[string]string
	attempts int
	delay    time.Duration
	client   *http.Client
}

func (p *Forwarder) ID() string   { return p.id }
func (p *Forwarder) Type() string { return Type }

func (p *Forwarder) Process(ctx context.Context, record *models.Record) error {
	var lastErr error

	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", processor.ErrTransient, ctx.Err())
			case <-time.After(p.delay):
			}
		}

		retryable, err := p.send(ctx, record)
		if err == nil {
			return nil
		}

		if !retryable {
			return fmt.Errorf("%w: forward to %s: %w", processor.ErrPermanent, p.url, err)
		}

		lastErr = err
	}

	return fmt.Errorf("%w: forward to %s after %d attempts: %w", processor.ErrTransient, p.url, p.attempts, lastErr)
}

// send performs one request. It reports whether a failure is retryable.
func (p *Forwarder) send(ctx context.Context, record *models.Record) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, bytes.NewReader(record.Value))
	if err != nil {
		return false, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Extractd-Topic", record.Topic)
	req.Header.Set("X-Extractd-Partition", fmt.Sprintf("%d", record.Partition))
	req.Header.Set("X-Extractd-Offset", fmt.Sprintf("%d", record.Offset))

	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return true, err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}

func (p *Forwarder) Close() error {
	p.client.CloseIdleConnections()

	return nil
}
