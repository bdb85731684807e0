package feeds

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARK PRICE STREAM - websocket ticker with subscriber fan-out
// ═══════════════════════════════════════════════════════════════════════════════

// MarkPriceFeed streams mark-price ticks for one symbol and fans them out to
// subscribers. Slow subscribers drop ticks rather than block the reader.
type MarkPriceFeed struct {
	mu          sync.RWMutex
	wsURL       string
	symbol      string
	running     bool
	stopCh      chan struct{}
	subscribers []chan types.PriceUpdate
	lastPrice   float64
	lastAt      time.Time
}

// NewMarkPriceFeed creates a feed for symbol against the venue ws endpoint.
func NewMarkPriceFeed(wsURL, symbol string) *MarkPriceFeed {
	return &MarkPriceFeed{wsURL: wsURL, symbol: symbol}
}

// Subscribe returns a channel of price updates. Buffered so a stalled
// consumer only loses ticks, never stalls the feed.
func (f *MarkPriceFeed) Subscribe() <-chan types.PriceUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan types.PriceUpdate, 64)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// LastPrice returns the most recent tick and its age.
func (f *MarkPriceFeed) LastPrice() (float64, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.lastAt
}

// Start launches the reader loop. Safe to call once.
func (f *MarkPriceFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("mark price feed already running")
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.mu.Unlock()

	go f.runLoop()
	log.Info().Str("symbol", f.symbol).Msg("📡 Mark price stream started")
	return nil
}

// Stop terminates the reader loop.
func (f *MarkPriceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	log.Info().Msg("📡 Mark price stream stopped")
}

// runLoop reconnects forever with a fixed backoff until stopped.
func (f *MarkPriceFeed) runLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		if err := f.streamOnce(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Mark price stream dropped, reconnecting")
		}
		select {
		case <-f.stopCh:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

type wsSubscribe struct {
	Type    string `json:"type"`
	Payload struct {
		Channels []wsChannel `json:"channels"`
	} `json:"payload"`
}

type wsChannel struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type wsTick struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (f *MarkPriceFeed) streamOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	sub := wsSubscribe{Type: "subscribe"}
	sub.Payload.Channels = []wsChannel{{Name: "mark_price", Symbols: []string{"MARK:" + f.symbol}}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var tick wsTick
		if err := json.Unmarshal(msg, &tick); err != nil || tick.Price == "" {
			continue
		}
		var px float64
		if _, err := fmt.Sscanf(tick.Price, "%f", &px); err != nil || px <= 0 {
			continue
		}
		f.publish(px)
	}
}

func (f *MarkPriceFeed) publish(px float64) {
	update := types.PriceUpdate{Symbol: f.symbol, Price: px, Timestamp: time.Now()}
	f.mu.Lock()
	f.lastPrice = px
	f.lastAt = update.Timestamp
	subs := make([]chan types.PriceUpdate, len(f.subscribers))
	copy(subs, f.subscribers)
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default: // drop for slow consumers
		}
	}
}
