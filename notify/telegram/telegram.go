// Package telegram relays market events to a Telegram group chat.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/GoCodeAlone/tourmatch/notify"
)

// Sender is the part of *tgbotapi.BotAPI the sink uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sink posts a one-line summary of each event to a chat.
type Sink struct {
	bot    Sender
	chatID int64
}

// New connects to the Bot API with token.
func New(token string, chatID int64) (*Sink, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	return NewWithSender(bot, chatID), nil
}

// NewWithSender builds a sink around an existing sender.
func NewWithSender(bot Sender, chatID int64) *Sink {
	return &Sink{bot: bot, chatID: chatID}
}

func (s *Sink) Name() string { return "telegram" }

// Deliver sends the summary of e. The Bot API call is not context-aware;
// ctx is only checked before sending.
func (s *Sink) Deliver(ctx context.Context, e notify.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, Summary(e))); err != nil {
		return fmt.Errorf("telegram: send event %d: %w", e.Seq, err)
	}
	return nil
}

// Summary renders e as one line of text.
func Summary(e notify.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", e.Seq, strings.ReplaceAll(string(e.Type), "_", " "))
	switch e.Type {
	case notify.EventOfferOpened, notify.EventOfferClosed:
		fmt.Fprintf(&b, ": offer %s by %s is %s", e.OfferID, e.Guide, e.Status)
	case notify.EventRequestOpened, notify.EventRequestClosed:
		fmt.Fprintf(&b, ": request %s by %s is %s", e.RequestID, e.Tourist, e.Status)
	case notify.EventAssignmentCreated:
		if a := e.Assignment; a != nil {
			fmt.Fprintf(&b, ": %s guides %s (party of %d) %s-%s for %s",
				a.Guide, a.Tourist, a.GroupSize,
				a.Start.Format("Jan 2 15:04"), a.End.Format("15:04"), a.Total.StringFixed(2))
		}
	default:
		fmt.Fprintf(&b, ": task %s, offer %s (%s) / request %s (%s)",
			e.TaskID, e.OfferID, e.Guide, e.RequestID, e.Tourist)
		if e.Reason != "" {
			fmt.Fprintf(&b, ", reason: %s", e.Reason)
		}
	}
	return b.String()
}
