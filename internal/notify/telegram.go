package notify

import (
	"context"
	"fmt"

	gobot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram posts notifications to one chat.
type Telegram struct {
	bot    *gobot.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := gobot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// NewTelegramWithEndpoint talks to a non-default Bot API endpoint, given as
// a format string taking the token and the method.
func NewTelegramWithEndpoint(token, endpoint string, chatID int64) (*Telegram, error) {
	bot, err := gobot.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Send(ctx context.Context, subject, message string) error {
	text := message
	if subject != "" {
		text = subject + "\n" + message
	}
	if _, err := t.bot.Send(gobot.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
