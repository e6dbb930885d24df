package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Severity orders alerts; critical ones are never dropped from a full queue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification. Key groups repeats for deduplication; two
// alerts with the same key inside the dedupe window collapse into one.
type Alert struct {
	Severity  Severity
	Key       string
	Title     string
	Body      string
	Timestamp time.Time
}

// Notifier is the alerting seam; the engine and supervisor depend on this,
// tests substitute a recorder.
type Notifier interface {
	Send(a Alert)
	Close()
}

// NopNotifier drops everything, used when telegram credentials are absent.
type NopNotifier struct{}

func (NopNotifier) Send(Alert) {}
func (NopNotifier) Close()     {}

// TelegramOptions configure the client.
type TelegramOptions struct {
	BotToken     string
	ChatID       string
	APIBase      string // override for tests; empty means api.telegram.org
	DedupeWindow time.Duration
	RatePerMin   float64
	QueueSize    int
}

// TelegramClient delivers alerts through the Bot API. Sending is
// fire-and-forget: a bounded queue feeds a single worker, duplicates inside
// the window are collapsed, and delivery failures are logged and retried a
// few times but never propagate to the trading path.
type TelegramClient struct {
	opts    TelegramOptions
	log     zerolog.Logger
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	dedupe map[string]time.Time

	queue  chan Alert
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegramClient(opts TelegramOptions, log zerolog.Logger) *TelegramClient {
	if opts.APIBase == "" {
		opts.APIBase = "https://api.telegram.org"
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = time.Minute
	}
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = 20
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &TelegramClient{
		opts:    opts,
		log:     log.With().Str("component", "alerts").Logger(),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerMin/60), 3),
		dedupe:  make(map[string]time.Time),
		queue:   make(chan Alert, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.worker()
	return c
}

// Send enqueues without blocking. A full queue drops non-critical alerts;
// critical ones evict the oldest queued alert to make room.
func (c *TelegramClient) Send(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	key := a.Key
	if key == "" {
		key = fmt.Sprintf("%x", sha256.Sum256([]byte(a.Title+a.Body)))
	}
	c.mu.Lock()
	if last, ok := c.dedupe[key]; ok && time.Since(last) < c.opts.DedupeWindow {
		c.mu.Unlock()
		return
	}
	c.dedupe[key] = time.Now()
	// opportunistic cleanup of expired entries
	for k, t := range c.dedupe {
		if time.Since(t) > c.opts.DedupeWindow {
			delete(c.dedupe, k)
		}
	}
	c.mu.Unlock()

	select {
	case c.queue <- a:
	default:
		if a.Severity != SeverityCritical {
			c.log.Warn().Str("title", a.Title).Msg("alert queue full, dropped")
			return
		}
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- a:
		default:
			c.log.Error().Str("title", a.Title).Msg("alert queue full, critical alert dropped")
		}
	}
}

func (c *TelegramClient) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			// drain what is already queued before exiting
			for {
				select {
				case a := <-c.queue:
					c.deliver(a)
				default:
					return
				}
			}
		case a := <-c.queue:
			if err := c.limiter.Wait(c.ctx); err != nil {
				c.deliver(a)
				return
			}
			c.deliver(a)
		}
	}
}

func (c *TelegramClient) deliver(a Alert) {
	text := fmt.Sprintf("[%s] %s\n%s", a.Severity, a.Title, a.Body)
	payload, err := json.Marshal(map[string]string{
		"chat_id": c.opts.ChatID,
		"text":    text,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("alert encode failed")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.opts.APIBase, c.opts.BotToken)
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			c.log.Error().Err(err).Msg("alert request build failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			err = fmt.Errorf("telegram status %d", resp.StatusCode)
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Str("title", a.Title).Msg("alert delivery failed")
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
}

// Close stops the worker after draining the queue.
func (c *TelegramClient) Close() {
	c.cancel()
	<-c.done
}
