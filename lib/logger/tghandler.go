package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"creditengine/internal/notify"
)

// Sender delivers a formatted log line; implemented by notify.Telegram.
type Sender interface {
	SendMessageWithLevel(msg string, level slog.Level)
}

// TelegramHandler wraps a slog.Handler and forwards records at or above minLevel
// to the admin chats.
type TelegramHandler struct {
	handler  slog.Handler
	sender   Sender
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

func NewTelegramHandler(handler slog.Handler, sender Sender, minLevel slog.Level) *TelegramHandler {
	return &TelegramHandler{
		handler:  handler,
		sender:   sender,
		minLevel: minLevel,
	}
}

// Enabled keeps the wrapped handler's level; forwarding is filtered in Handle.
func (h *TelegramHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TelegramHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.handler.Handle(ctx, record); err != nil {
		return err
	}
	if record.Level < h.minLevel || h.sender == nil {
		return nil
	}
	h.sender.SendMessageWithLevel(h.format(record), record.Level)
	return nil
}

func (h *TelegramHandler) format(record slog.Record) string {
	var b strings.Builder
	name := record.Message
	if h.group != "" {
		name = h.group + "." + record.Message
	}
	fmt.Fprintf(&b, "*%s* `%s`", record.Level.String(), name)

	write := func(attr slog.Attr) {
		if attr.Key == "error" {
			fmt.Fprintf(&b, "\n%s: ```error %v ```", attr.Key, attr.Value)
			return
		}
		b.WriteString(notify.Sanitize(fmt.Sprintf("\n%s: %v", attr.Key, attr.Value)))
	}
	for _, attr := range h.attrs {
		write(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		write(attr)
		return true
	})
	return b.String()
}

func (h *TelegramHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	combined = append(combined, attrs...)
	return &TelegramHandler{
		handler:  h.handler.WithAttrs(attrs),
		sender:   h.sender,
		minLevel: h.minLevel,
		attrs:    combined,
		group:    h.group,
	}
}

func (h *TelegramHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &TelegramHandler{
		handler:  h.handler.WithGroup(name),
		sender:   h.sender,
		minLevel: h.minLevel,
		attrs:    h.attrs,
		group:    group,
	}
}
