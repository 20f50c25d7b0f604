package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-offline/internal/notify"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	perrors "github.com/jmgilman/go/errors"
)

// callbackPrefix marks inline-keyboard data produced by Show.
const callbackPrefix = "notify:"

// Telegram caps callback data at 64 bytes.
const maxCallbackData = 64

// Bot is the subset of *tgbotapi.BotAPI the channel uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// ActionHandler receives notification button presses.
type ActionHandler interface {
	HandleAction(ctx context.Context, id, action string) (notify.Interaction, error)
}

type TelegramOptions struct {
	Token      string
	ChatID     int64
	AllowedIDs []int64
	Actions    ActionHandler
	Logger     *slog.Logger
}

// TelegramChannel shows notifications in a Telegram chat with one inline
// button per action, routes button presses back to the relay, and serves as
// a share target.
type TelegramChannel struct {
	token      string
	chatID     int64
	allowedIDs map[int64]struct{}
	actions    ActionHandler
	logger     *slog.Logger

	mu  sync.RWMutex
	bot Bot
}

func NewTelegramChannel(opts TelegramOptions) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range opts.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TelegramChannel{
		token:      opts.Token,
		chatID:     opts.ChatID,
		allowedIDs: allowed,
		actions:    opts.Actions,
		logger:     opts.Logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect authenticates the bot. Start calls it when no bot is set yet.
func (t *TelegramChannel) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeUnavailable, "telegram init failed")
	}
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	t.setBot(bot)
	return nil
}

func (t *TelegramChannel) setBot(b Bot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bot = b
}

func (t *TelegramChannel) currentBot() Bot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.currentBot() == nil {
		if err := t.Connect(); err != nil {
			return err
		}
	}
	bot := t.currentBot()

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or the
// long poll stalls. A nil return means ctx was cancelled.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi long-polls for 60s and blocks rather than closing the
	// channel on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.CallbackQuery != nil {
				t.handleCallbackQuery(ctx, update.CallbackQuery)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.From != nil && !t.allowed(query.From.ID) {
		t.logger.Warn("telegram callback access denied", "user_id", query.From.ID)
		return
	}
	id, action, err := parseNotifyCallback(query.Data)
	if err != nil {
		return
	}
	if t.actions == nil {
		return
	}
	in, err := t.actions.HandleAction(ctx, id, action)
	ack := "Dismissed"
	switch {
	case err != nil:
		t.logger.Error("notification action failed", "notification_id", id, "action", action, "error", err)
		ack = "Something went wrong"
	case in.Opened:
		ack = "Opening " + in.Route
	}
	if bot := t.currentBot(); bot != nil {
		if _, err := bot.Request(tgbotapi.NewCallback(query.ID, ack)); err != nil {
			t.logger.Warn("failed to answer callback", "error", err)
		}
	}
}

// Show implements notify.Surface.
func (t *TelegramChannel) Show(_ context.Context, n *notify.Notification) error {
	bot := t.currentBot()
	if bot == nil {
		return perrors.New(perrors.CodeUnavailable, "telegram bot not connected")
	}
	msg := tgbotapi.NewMessage(t.chatID, formatNotification(n))
	msg.ParseMode = "MarkdownV2"
	if kb, ok := actionKeyboard(n); ok {
		msg.ReplyMarkup = kb
	}
	if _, err := bot.Send(msg); err != nil {
		return perrors.Wrap(err, perrors.CodeNetwork, "send telegram notification")
	}
	return nil
}

// Share implements Sharer.
func (t *TelegramChannel) Share(_ context.Context, title, text, url string) error {
	bot := t.currentBot()
	if bot == nil {
		return perrors.New(perrors.CodeNotImplemented, "telegram share target not connected")
	}
	var parts []string
	for _, p := range []string{title, text, url} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return perrors.New(perrors.CodeInvalidInput, "nothing to share")
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, strings.Join(parts, "\n"))); err != nil {
		return perrors.Wrap(err, perrors.CodeNetwork, "send telegram share")
	}
	return nil
}

func formatNotification(n *notify.Notification) string {
	var sb strings.Builder
	sb.WriteString("*")
	sb.WriteString(escapeMarkdownV2(n.Title))
	sb.WriteString("*")
	if n.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(escapeMarkdownV2(n.Body))
	}
	return sb.String()
}

func actionKeyboard(n *notify.Notification) (tgbotapi.InlineKeyboardMarkup, bool) {
	var row []tgbotapi.InlineKeyboardButton
	for _, a := range n.Actions {
		data := callbackPrefix + n.ID + ":" + a.Action
		if len(data) > maxCallbackData {
			continue
		}
		label := a.Title
		if label == "" {
			label = a.Action
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, data))
	}
	if len(row) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(row), true
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . ! and backslash.
func escapeMarkdownV2(s string) string {
	const specialChars = "\\_*[]()~`>#+-=|{}.!"
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// parseNotifyCallback parses "notify:<id>:<action>".
func parseNotifyCallback(data string) (id, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", "", fmt.Errorf("not a notification callback")
	}
	parts := strings.SplitN(strings.TrimPrefix(data, callbackPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid notification callback %q", data)
	}
	return parts[0], parts[1], nil
}
