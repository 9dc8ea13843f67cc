package notify

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sigrelay/internal/domain"
)

const telegramMaxMsgLen = 4096

const defaultTelegramEndpoint = tgbotapi.APIEndpoint

type TelegramConfig struct {
	Token  string
	ChatID int64
	// Endpoint overrides the Bot API endpoint format.
	Endpoint string
}

// Telegram forwards events to one chat through a bot. The bot is
// authenticated on first use.
type Telegram struct {
	cfg TelegramConfig
	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: chat id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultTelegramEndpoint
	}
	return &Telegram{cfg: cfg}, nil
}

func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.Token, t.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Notify(_ context.Context, ev domain.ClassifiedEvent) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	text := truncate(ev.String(), telegramMaxMsgLen)
	if _, err := bot.Send(tgbotapi.NewMessage(t.cfg.ChatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
