package bot

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - throttled push alerts, nil-safe when unconfigured
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier pushes alerts to a Telegram chat. A zero-token notifier is valid
// and silently drops everything, so callers never need nil checks.
type Notifier struct {
	mu          sync.Mutex
	api         *tgbotapi.BotAPI
	chatID      int64
	minInterval time.Duration
	lastSent    map[string]time.Time
}

// NewNotifier connects to the bot API. An empty token yields a disabled
// notifier rather than an error.
func NewNotifier(token string, chatID int64, minInterval time.Duration) (*Notifier, error) {
	n := &Notifier{
		chatID:      chatID,
		minInterval: minInterval,
		lastSent:    make(map[string]time.Time),
	}
	if token == "" {
		log.Info().Msg("📴 Telegram notifier disabled (no token)")
		return n, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	n.api = api
	log.Info().Str("bot", api.Self.UserName).Msg("🤖 Telegram notifier connected")
	return n, nil
}

// Enabled reports whether messages actually go anywhere.
func (n *Notifier) Enabled() bool { return n != nil && n.api != nil }

// Send pushes a message immediately.
func (n *Notifier) Send(text string) {
	if !n.Enabled() {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram send failed")
	}
}

// Sendf formats and sends.
func (n *Notifier) Sendf(format string, args ...interface{}) {
	n.Send(fmt.Sprintf(format, args...))
}

// SendThrottled drops repeats of the same key inside the min interval.
// Trade lifecycle events use distinct keys so they always get through.
func (n *Notifier) SendThrottled(key, text string) {
	if !n.Enabled() {
		return
	}
	n.mu.Lock()
	last, ok := n.lastSent[key]
	now := time.Now()
	if ok && now.Sub(last) < n.minInterval {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = now
	n.mu.Unlock()
	n.Send(text)
}
