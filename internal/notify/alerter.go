// Package notify delivers operator alerts.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts alerts into an ops chat.
type TelegramAlerter struct {
	api    sender
	chatID int64
	prefix string
	log    *slog.Logger
}

func NewTelegramAlerter(token string, chatID int64, log *slog.Logger) (*TelegramAlerter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram alerter: %w", err)
	}
	return newTelegramAlerter(api, chatID, log), nil
}

func newTelegramAlerter(api sender, chatID int64, log *slog.Logger) *TelegramAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &TelegramAlerter{api: api, chatID: chatID, prefix: "⚠️ adcraft", log: log}
}

func (a *TelegramAlerter) Alert(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(a.chatID, a.prefix+"\n"+message)
	msg.DisableWebPagePreview = true
	if _, err := a.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	a.log.Info("ops alert sent", "chat_id", a.chatID)
	return nil
}

// LogAlerter writes alerts to the log when no chat is configured.
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAlerter{log: log}
}

func (a *LogAlerter) Alert(_ context.Context, message string) error {
	a.log.Warn("ops alert", "message", message)
	return nil
}
