package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const webhookQueueSize = 1000

// WebhookOptions configures a WebhookShipper
type WebhookOptions struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize > 0 posts JSON arrays of up to BatchSize entries; otherwise every entry
	// is posted on its own as a JSON object as soon as it is dequeued.
	BatchSize     int
	FlushInterval time.Duration
}

// WebhookShipper posts entries as JSON to a URL
type WebhookShipper struct {
	opts     WebhookOptions
	client   *http.Client
	queue    chan *LogEntry
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ErrQueueFull is returned by Ship when the delivery goroutine has fallen behind and
// the entry was dropped.
var ErrQueueFull = errors.New("activity queue full, entry dropped")

// NewWebhookShipper starts a webhook shipper. A single goroutine owns delivery until
// Close, so Ship never waits on the remote endpoint.
func NewWebhookShipper(opts WebhookOptions) (*WebhookShipper, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		queue:  make(chan *LogEntry, webhookQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go ws.run()
	return ws, nil
}

func (ws *WebhookShipper) run() {
	defer close(ws.done)

	ticker := time.NewTicker(ws.opts.FlushInterval)
	defer ticker.Stop()

	pending := make([]*LogEntry, 0, max(ws.opts.BatchSize, 1))
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ws.opts.Timeout)
		defer cancel()

		if ws.opts.BatchSize > 0 {
			if err := ws.post(ctx, pending); err != nil {
				slog.Warn("failed to send activity batch", "entries", len(pending), "error", err)
			}
		} else {
			for _, e := range pending {
				if err := ws.post(ctx, e); err != nil {
					slog.Warn("failed to send activity entry", "action", e.Action, "error", err)
				}
			}
		}
		pending = pending[:0]
	}

	for {
		select {
		case e := <-ws.queue:
			pending = append(pending, e)
			if len(pending) >= ws.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ws.stop:
			for {
				select {
				case e := <-ws.queue:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Ship queues entry for delivery. It does not block: when the queue is full the entry
// is dropped and ErrQueueFull returned.
func (ws *WebhookShipper) Ship(_ context.Context, entry *LogEntry) error {
	select {
	case <-ws.stop:
		return ErrClosed
	default:
	}

	select {
	case ws.queue <- entry:
		return nil
	default:
		return ErrQueueFull
	}
}

func (ws *WebhookShipper) post(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal activity payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.opts.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close delivers whatever is still queued and stops the delivery goroutine
func (ws *WebhookShipper) Close() error {
	ws.stopOnce.Do(func() { close(ws.stop) })
	<-ws.done
	return nil
}
