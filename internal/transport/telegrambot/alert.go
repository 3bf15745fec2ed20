package telegrambot

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// AlertSender forwards operator alerts to one chat.
type AlertSender struct {
	bot  *tele.Bot
	chat tele.Recipient
}

// NewAlertSender builds a sender without contacting Telegram.
func NewAlertSender(token string, chatID int64, opts Options) (*AlertSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("alert bot token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("alert chat id is required")
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	b, err := newBot(token, opts)
	if err != nil {
		return nil, err
	}
	return &AlertSender{bot: b, chat: tele.ChatID(chatID)}, nil
}

func (a *AlertSender) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := call(ctx, func() error {
			_, err := a.bot.Send(a.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
