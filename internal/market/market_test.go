package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimProviderDeterministicPerSeed(t *testing.T) {
	symbols := []string{"BTC/USDT", "ETH/USDT"}
	a := NewSimProvider(symbols, 42, 2, 80)
	b := NewSimProvider(symbols, 42, 2, 80)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		sa, err := a.Fetch(ctx)
		require.NoError(t, err)
		sb, err := b.Fetch(ctx)
		require.NoError(t, err)
		for _, sym := range symbols {
			pa, ok := sa.Price(sym)
			require.True(t, ok)
			pb, _ := sb.Price(sym)
			assert.Equal(t, pa, pb)
			assert.Greater(t, pa, 0.0)
		}
	}
}

func TestSimProviderDifferentSeedsDiverge(t *testing.T) {
	symbols := []string{"BTC/USDT"}
	a := NewSimProvider(symbols, 1, 2, 80)
	b := NewSimProvider(symbols, 2, 2, 80)

	sa, err := a.Fetch(context.Background())
	require.NoError(t, err)
	sb, err := b.Fetch(context.Background())
	require.NoError(t, err)

	pa, _ := sa.Price("BTC/USDT")
	pb, _ := sb.Price("BTC/USDT")
	assert.NotEqual(t, pa, pb)
}

func TestSnapshotCopiesTicks(t *testing.T) {
	ticks := map[string]Tick{"BTC/USDT": {Price: 100}}
	snap := NewSnapshot(ticks, time.Now())

	ticks["BTC/USDT"] = Tick{Price: 999}
	px, ok := snap.Price("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, px)

	_, ok = snap.Price("ETH/USDT")
	assert.False(t, ok)
}

func TestStreamFetchRejectsStaleTicks(t *testing.T) {
	p := &StreamProvider{
		symbols:    []string{"BTC/USDT"},
		staleAfter: time.Minute,
		log:        zerolog.Nop(),
		ticks: map[string]Tick{
			"BTC/USDT": {Price: 100, Timestamp: time.Now().Add(-2 * time.Minute)},
		},
	}

	_, err := p.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrStale)

	p.ticks["BTC/USDT"] = Tick{Price: 100, Timestamp: time.Now()}
	snap, err := p.Fetch(context.Background())
	require.NoError(t, err)
	px, ok := snap.Price("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, px)
}

func TestStreamProviderReceivesTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// drain the subscribe frame, then publish one tick
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		tick := map[string]any{"symbol": "BTC/USDT", "price": 45000.5, "volume": 1.0, "ts": time.Now().UnixMilli()}
		if err := conn.WriteJSON(tick); err != nil {
			return
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := NewStreamProvider(url, []string{"BTC/USDT"}, time.Minute, zerolog.Nop())
	defer p.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, err := p.Fetch(context.Background())
		if err == nil {
			px, ok := snap.Price("BTC/USDT")
			require.True(t, ok)
			assert.Equal(t, 45000.5, px)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tick never arrived: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
