// Package notify is the operator surface: a Telegram bot that pushes keeper
// alerts and feeds operator commands into the keeper loop.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"rangeKeeper/internal/keeper"
)

// Bot bridges Telegram and the keeper command channel. Only messages from
// the configured chat are honored.
type Bot struct {
	api      *tgbotapi.BotAPI
	chatID   int64
	commands chan<- keeper.Command
	status   func() string
	logger   *zap.Logger
}

// New connects to the Telegram API. The status callback renders the
// /status reply; nil disables that command.
func New(token string, chatID int64, commands chan<- keeper.Command, status func() string, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("telegram bot connected", zap.String("username", api.Self.UserName))
	return &Bot{
		api:      api,
		chatID:   chatID,
		commands: commands,
		status:   status,
		logger:   logger,
	}, nil
}

// Start launches the command listener and stops it with the context.
func (b *Bot) Start(ctx context.Context) {
	go b.listen(ctx)
	if b.chatID != 0 {
		b.send("keeper online")
	}
}

// Notify implements keeper.Notifier.
func (b *Bot) Notify(_ context.Context, message string) {
	if b.chatID == 0 {
		return
	}
	b.send(message)
}

func (b *Bot) listen(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	if b.chatID != 0 && msg.Chat.ID != b.chatID {
		b.logger.Warn("ignoring command from unexpected chat",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.String("command", msg.Command()))
		return
	}

	b.logger.Info("telegram command", zap.String("command", msg.Command()))
	switch msg.Command() {
	case "tick":
		b.enqueue(keeper.CommandTick, "running one pass")
	case "rebalance":
		b.enqueue(keeper.CommandFullRebalance, "full rebalance queued")
	case "reset":
		b.enqueue(keeper.CommandResetAll, "closing all positions, not reopening")
	case "status":
		if b.status == nil {
			b.send("status not available")
			return
		}
		b.send(b.status())
	case "help", "start":
		b.send("commands: /status /tick /rebalance /reset")
	default:
		b.send(fmt.Sprintf("unknown command /%s, try /help", msg.Command()))
	}
}

func (b *Bot) enqueue(cmd keeper.Command, ack string) {
	select {
	case b.commands <- cmd:
		b.send(ack)
	default:
		b.send("keeper busy, command dropped")
	}
}

func (b *Bot) send(text string) {
	if b.chatID == 0 {
		return
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Warn("telegram send failed", zap.Error(err))
	}
}
