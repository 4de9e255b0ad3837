package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"seedr-bot/internal/seedr"
	"seedr-bot/internal/service"
)

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	text := fmt.Sprintf("Hi %s!", mention(msg.From))
	if err := b.ensureUser(ctx, msg.From); err != nil {
		text = fmt.Sprintf("Hi %s! I could not save your profile right now, but you can keep using the bot.", mention(msg.From))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(_ context.Context, msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Commands</b>\n" +
		"• /start — say hello\n" +
		"• /link — connect your Seedr account\n" +
		"• /account — show whether an account is linked\n" +
		"• /help — this message"
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleLink(ctx context.Context, msg *tgbotapi.Message) error {
	_ = b.ensureUser(ctx, msg.From)

	code, err := b.links.Begin(ctx, msg.From.ID)
	switch {
	case errors.Is(err, service.ErrAlreadyLinked):
		return b.sendText(msg.Chat.ID, msgAlreadyLinked)
	case err != nil:
		b.log.Error("begin link", zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
		return b.sendText(msg.Chat.ID, msgBroken)
	}

	text := fmt.Sprintf(
		"To link your Seedr account open %s in your browser and enter this code:\n\n<code>%s</code>\n\nPress the button below once you have entered it.",
		html.EscapeString(code.VerificationURL),
		html.EscapeString(code.UserCode),
	)
	return b.sendWithReplyMarkup(msg.Chat.ID, text, linkKeyboard(code))
}

func (b *Bot) handleAccount(ctx context.Context, msg *tgbotapi.Message) error {
	_ = b.ensureUser(ctx, msg.From)

	linked, err := b.links.Linked(ctx, msg.From.ID)
	if err != nil {
		b.log.Error("check link", zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
		return b.sendText(msg.Chat.ID, msgBroken)
	}
	if !linked {
		return b.sendText(msg.Chat.ID, "You are not registered. Please use /link to connect your Seedr account.")
	}
	return b.sendText(msg.Chat.ID, "✅ Your Seedr account is linked.")
}

func (b *Bot) handleLinkCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, deviceCode string) error {
	if deviceCode == "" {
		return nil
	}

	account, err := b.links.Complete(ctx, cb.From.ID, deviceCode)
	switch {
	case err == nil:
		return b.editText(cb, fmt.Sprintf("Success! Hello, %s", html.EscapeString(account.Username)))
	case errors.Is(err, seedr.ErrAuthorizationPending):
		// Leave the button in place so the user can retry.
		return b.sendText(cb.From.ID, msgLinkPending)
	case errors.Is(err, service.ErrLinkInProgress):
		// The other press will edit the message when it finishes.
		return b.sendText(cb.From.ID, msgLinkInProgress)
	case errors.Is(err, service.ErrAlreadyLinked):
		return b.editText(cb, msgAlreadyLinked)
	case errors.Is(err, service.ErrCodeExpired):
		return b.editText(cb, msgCodeExpired)
	default:
		b.log.Error("complete link", zap.Int64("telegram_id", cb.From.ID), zap.Error(err))
		return b.editText(cb, msgLinkFailed)
	}
}

func linkKeyboard(code *seedr.DeviceCode) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{}
	if code.VerificationURL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("🌐 Open Seedr", code.VerificationURL),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔗 Link Account", cbLinkAction+":"+code.DeviceCode),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// mention renders an HTML link to the user's profile.
func mention(u *tgbotapi.User) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, u.ID, html.EscapeString(displayName(u)))
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = strings.TrimSpace(u.UserName)
	}
	if name == "" {
		name = "there"
	}
	return name
}
