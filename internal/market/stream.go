package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrStale means the stream has not delivered a tick for every subscribed
// symbol recently enough to trade on.
var ErrStale = errors.New("market: snapshot stale")

// StreamProvider keeps a last-tick cache fed by an exchange ticker WebSocket
// and serves snapshots out of it. The read loop reconnects with backoff; the
// orchestrator only ever sees Fetch.
type StreamProvider struct {
	url        string
	symbols    []string
	staleAfter time.Duration
	log        zerolog.Logger

	mu    sync.RWMutex
	ticks map[string]Tick

	cancel context.CancelFunc
	done   chan struct{}
}

type wireTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	TsMs   int64   `json:"ts"`
}

// NewStreamProvider dials url and starts the read loop.
func NewStreamProvider(url string, symbols []string, staleAfter time.Duration, log zerolog.Logger) *StreamProvider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &StreamProvider{
		url:        url,
		symbols:    append([]string(nil), symbols...),
		staleAfter: staleAfter,
		log:        log.With().Str("component", "market-stream").Logger(),
		ticks:      make(map[string]Tick),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Fetch snapshots the cache. Every subscribed symbol must have a tick newer
// than staleAfter; otherwise the cycle must not trade on it.
func (p *StreamProvider) Fetch(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-p.staleAfter)
	for _, sym := range p.symbols {
		t, ok := p.ticks[sym]
		if !ok || t.Timestamp.Before(cutoff) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrStale, sym)
		}
	}
	return NewSnapshot(p.ticks, now), nil
}

// Close stops the read loop and waits for it to exit.
func (p *StreamProvider) Close() error {
	p.cancel()
	<-p.done
	return nil
}

func (p *StreamProvider) run(ctx context.Context) {
	defer close(p.done)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := p.dial(ctx)
		if err != nil {
			p.log.Warn().Err(err).Dur("backoff", backoff).Msg("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		p.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

func (p *StreamProvider) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}
	for _, sym := range p.symbols {
		sub := map[string]string{"type": "subscribe", "symbol": sym}
		if err := conn.WriteJSON(sub); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	p.log.Info().Int("symbols", len(p.symbols)).Msg("stream connected")
	return conn, nil
}

func (p *StreamProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("stream read failed, reconnecting")
			}
			return
		}

		var wt wireTick
		if err := json.Unmarshal(b, &wt); err != nil || wt.Symbol == "" {
			continue // ignore non-tick frames
		}

		p.mu.Lock()
		p.ticks[wt.Symbol] = Tick{
			Price:     wt.Price,
			Volume:    wt.Volume,
			Timestamp: time.UnixMilli(wt.TsMs),
		}
		p.mu.Unlock()
	}
}
