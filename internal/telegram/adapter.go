package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/nextmeeting/internal/protocol"
	"github.com/user/nextmeeting/internal/types"
)

const maxTelegramMessage = 4096

// Dispatcher answers daemon requests. The request handler implements it.
type Dispatcher interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

// botAPI is the part of tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter delivers reminders to a single Telegram chat and, when given a
// Dispatcher, answers bot commands from that chat.
type Adapter struct {
	bot      botAPI
	chatID   int64
	dispatch Dispatcher
	loc      *time.Location
}

// New creates a Telegram adapter for chatID.
func New(token string, chatID int64, dispatch Dispatcher) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, chatID, dispatch), nil
}

func newAdapter(bot botAPI, chatID int64, dispatch Dispatcher) *Adapter {
	return &Adapter{bot: bot, chatID: chatID, dispatch: dispatch, loc: time.Local}
}

func (a *Adapter) Name() string { return "telegram" }

// Send implements types.Sink.
func (a *Adapter) Send(_ context.Context, n types.Notification) error {
	text := "*" + escapeMarkdown(n.Title) + "*"
	if n.Body != "" {
		text += "\n" + escapeMarkdown(n.Body)
	}
	if n.Urgency == types.UrgencyCritical {
		text = "⏰ " + text
	}
	return a.sendResponse(a.chatID, text)
}

// Start long-polls for updates until ctx is done. Without a Dispatcher it
// returns immediately.
func (a *Adapter) Start(ctx context.Context) {
	if a.dispatch == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	slog.Info("telegram bot listening", "chat_id", a.chatID)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != a.chatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", chatOf(msg))
		return
	}
	if !msg.IsCommand() {
		a.reply("Send /help for the list of commands.")
		return
	}
	a.handleCommand(ctx, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
}

func (a *Adapter) handleCommand(ctx context.Context, command, args string) {
	switch command {
	case "start", "help":
		a.reply("Commands: /next, /today, /status, /refresh, /snooze <minutes>")

	case "next":
		resp := a.dispatch.Handle(ctx, protocol.GetMeetings(&protocol.MeetingsFilter{Limit: 1, SkipAllDay: true}))
		a.replyMeetings(resp, "No upcoming meetings.")

	case "today":
		resp := a.dispatch.Handle(ctx, protocol.GetMeetings(&protocol.MeetingsFilter{TodayOnly: true}))
		a.replyMeetings(resp, "No more meetings today.")

	case "status":
		resp := a.dispatch.Handle(ctx, protocol.Status())
		if err := resp.Err(); err != nil {
			a.reply("Error: " + err.Error())
			return
		}
		a.reply(formatStatus(resp.StatusInfo))

	case "refresh":
		resp := a.dispatch.Handle(ctx, protocol.Refresh(true, ""))
		if err := resp.Err(); err != nil {
			a.reply("Error: " + err.Error())
			return
		}
		a.reply("Refresh scheduled.")

	case "snooze":
		minutes := 30
		if args != "" {
			n, err := strconv.Atoi(args)
			if err != nil || n < 0 {
				a.reply("Usage: /snooze <minutes>")
				return
			}
			minutes = n
		}
		resp := a.dispatch.Handle(ctx, protocol.Snooze(minutes))
		if err := resp.Err(); err != nil {
			a.reply("Error: " + err.Error())
			return
		}
		if minutes == 0 {
			a.reply("Snooze cleared.")
		} else {
			a.reply(fmt.Sprintf("Notifications snoozed for %d minutes.", minutes))
		}

	default:
		a.reply("Unknown command. Available: /next, /today, /status, /refresh, /snooze")
	}
}

func (a *Adapter) replyMeetings(resp protocol.Response, empty string) {
	if err := resp.Err(); err != nil {
		a.reply("Error: " + err.Error())
		return
	}
	if resp.MeetingsBody == nil || len(resp.Meetings) == 0 {
		a.reply(empty)
		return
	}
	a.reply(formatMeetings(resp.Meetings, a.loc))
}

func (a *Adapter) reply(text string) {
	if err := a.sendResponse(a.chatID, text); err != nil {
		slog.Error("telegram reply failed", "error", err)
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			msg.Text = unescapeMarkdown(part)
			if _, err := a.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func formatMeetings(events []types.NormalizedEvent, loc *time.Location) string {
	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		if ev.AllDay {
			b.WriteString("all day")
		} else {
			fmt.Fprintf(&b, "%s-%s", ev.Start.In(loc).Format("15:04"), ev.End.In(loc).Format("15:04"))
		}
		b.WriteString(" ")
		b.WriteString(escapeMarkdown(ev.Title))
		if link, ok := ev.PrimaryLink(); ok {
			fmt.Fprintf(&b, " [join](%s)", link.URL)
		}
	}
	return b.String()
}

func formatStatus(info *protocol.StatusInfo) string {
	if info == nil {
		return "No status available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", time.Duration(info.UptimeSeconds)*time.Second)
	if info.LastSync != nil {
		fmt.Fprintf(&b, "Last sync: %s\n", info.LastSync.Format(time.RFC3339))
	} else {
		b.WriteString("Last sync: never\n")
	}
	if info.Paused {
		b.WriteString("Scheduler: paused\n")
	}
	if info.SnoozedUntil != nil {
		fmt.Fprintf(&b, "Snoozed until: %s\n", info.SnoozedUntil.Format("15:04"))
	}
	for _, p := range info.Providers {
		state := "ok"
		if !p.Healthy {
			state = "failing"
			if p.Error != "" {
				state += ": " + p.Error
			}
		}
		fmt.Fprintf(&b, "%s (%d events) %s\n", escapeMarkdown(p.Name), p.EventCount, escapeMarkdown(state))
	}
	return strings.TrimRight(b.String(), "\n")
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
var markdownUnescaper = strings.NewReplacer("\\_", "_", "\\*", "*", "\\`", "`", "\\[", "[")

func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

func unescapeMarkdown(s string) string { return markdownUnescaper.Replace(s) }

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func chatOf(msg *tgbotapi.Message) int64 {
	if msg.Chat == nil {
		return 0
	}
	return msg.Chat.ID
}
