// Package notify delivers operator alerts (payment failover, admin actions, error logs)
// to a fixed set of Telegram admin chats and answers a couple of read-only commands.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"creditengine/entity"
	"creditengine/lib/sl"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
)

// StatusSource feeds the /status command.
type StatusSource interface {
	PaymentState(ctx context.Context) (entity.PaymentSettings, error)
}

type Telegram struct {
	log      *slog.Logger
	api      *tgbotapi.Bot
	admins   map[int64]bool
	chatIDs  []int64
	minLevel slog.Level
	status   StatusSource
	updater  *ext.Updater
}

func NewTelegram(apiKey string, chatIDs []int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBot(apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating api instance: %v", err)
	}
	t := &Telegram{
		log:      log.With(sl.Module("telegram")),
		api:      api,
		admins:   make(map[int64]bool, len(chatIDs)),
		chatIDs:  chatIDs,
		minLevel: slog.LevelWarn,
	}
	for _, id := range chatIDs {
		t.admins[id] = true
	}
	return t, nil
}

func (t *Telegram) SetStatusSource(s StatusSource) {
	t.status = s
}

// Start polls for updates until Stop is called.
func (t *Telegram) Start() error {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			t.log.Error("handling update:", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	t.updater = ext.NewUpdater(dispatcher, nil)

	dispatcher.AddHandler(handlers.NewCommand("start", t.start))
	dispatcher.AddHandler(handlers.NewCommand("status", t.statusCmd))

	err := t.updater.StartPolling(t.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: time.Second * 10,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}

	t.updater.Idle()
	return nil
}

func (t *Telegram) Stop() {
	if t.updater != nil {
		t.log.Info("stopping telegram bot")
		t.updater.Stop()
	}
}

// Notify sends text to every admin chat.
func (t *Telegram) Notify(_ context.Context, text string) error {
	var failed int
	for _, id := range t.chatIDs {
		if err := t.send(id, Sanitize(text)); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("telegram: %d of %d messages failed", failed, len(t.chatIDs))
	}
	return nil
}

// SendMessageWithLevel forwards an already formatted log line when it is severe enough.
func (t *Telegram) SendMessageWithLevel(msg string, level slog.Level) {
	if level < t.minLevel {
		return
	}
	for _, id := range t.chatIDs {
		_ = t.send(id, msg)
	}
}

func (t *Telegram) start(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatID := ctx.EffectiveChat.Id
	role := "not an admin chat"
	if t.admins[chatID] {
		role = "admin chat"
	}
	return t.send(chatID, Sanitize(fmt.Sprintf("Chat %d: %s", chatID, role)))
}

func (t *Telegram) statusCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatID := ctx.EffectiveChat.Id
	if !t.admins[chatID] || t.status == nil {
		return nil
	}
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := t.status.PaymentState(c)
	if err != nil {
		return t.send(chatID, Sanitize("Payment state unavailable: "+err.Error()))
	}
	return t.send(chatID, Sanitize(FormatPaymentState(state)))
}

// FormatPaymentState renders the failover state as plain text.
func FormatPaymentState(state entity.PaymentSettings) string {
	active := entity.ProviderPrimary
	if state.Failover.CurrentlyUsingBackup {
		active = entity.ProviderSecondary
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active provider: %s\n", active)
	for _, p := range []entity.ProviderState{state.Primary, state.Secondary} {
		fmt.Fprintf(&b, "%s: enabled=%t ok=%d failed=%d", p.Name, p.Enabled, p.SuccessfulTransactions, p.FailedTransactions)
		if p.LastError != "" {
			fmt.Fprintf(&b, " last error: %s", p.LastError)
		}
		b.WriteString("\n")
	}
	if state.Failover.BackupActivatedAt != nil {
		fmt.Fprintf(&b, "Backup since %s", state.Failover.BackupActivatedAt.UTC().Format(time.RFC3339))
	}
	return strings.TrimSpace(b.String())
}

func (t *Telegram) send(chatID int64, text string) error {
	if text == "" {
		return nil
	}
	_, err := t.api.SendMessage(chatID, text, &tgbotapi.SendMessageOpts{
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		t.log.With(slog.Int64("id", chatID)).Warn("sending message", sl.Err(err))
		_, err = t.api.SendMessage(chatID, text, &tgbotapi.SendMessageOpts{})
		if err != nil {
			t.log.With(slog.Int64("id", chatID)).Error("sending safe message", sl.Err(err))
		}
	}
	return err
}

// Sanitize escapes MarkdownV2 reserved characters.
func Sanitize(input string) string {
	reservedChars := "\\_{}#+-.!|()[]=*>~`"
	var b strings.Builder
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
