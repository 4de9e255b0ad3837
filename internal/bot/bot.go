package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"seedr-bot/internal/metrics"
	"seedr-bot/internal/seedr"
)

// ErrNotRunning is returned by ProcessUpdate before Start or after Stop.
var ErrNotRunning = errors.New("bot: update loop is not running")

const (
	cbLinkAction = "link"

	msgBroken         = "Something is broken on our side. Please try again later."
	msgAlreadyLinked  = "You are already registered."
	msgLinkFailed     = "Sorry, there was an error while linking your Seedr account."
	msgCodeExpired    = "This link request has expired. Use /link to get a new code."
	msgLinkPending    = "Seedr has not confirmed the code yet. Enter it on the Seedr page and press the button again."
	msgLinkInProgress = "Still checking this code with Seedr, please wait."
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

// UserStore registers users on first contact.
type UserStore interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (bool, error)
}

// Linking is the account-linking flow.
type Linking interface {
	Begin(ctx context.Context, telegramID int64) (*seedr.DeviceCode, error)
	Complete(ctx context.Context, telegramID int64, deviceCode string) (*seedr.Account, error)
	Linked(ctx context.Context, telegramID int64) (bool, error)
}

type commandFunc func(ctx context.Context, msg *tgbotapi.Message) error

type callbackFunc func(ctx context.Context, cb *tgbotapi.CallbackQuery, payload string) error

// Options tunes the dispatcher.
type Options struct {
	// HandlerTimeout bounds a single handler run; zero means no limit.
	HandlerTimeout time.Duration
	Metrics        *metrics.Registry
}

// Bot dispatches Telegram updates to command and callback handlers.
type Bot struct {
	api     API
	users   UserStore
	links   Linking
	log     *zap.Logger
	metrics *metrics.Registry
	timeout time.Duration

	// Built in New and read-only afterwards.
	commands  map[string]commandFunc
	callbacks map[string]callbackFunc

	mu       sync.RWMutex
	running  bool
	inflight sync.WaitGroup
}

// NewAPI authorizes against the Bot API with token.
func NewAPI(token string, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("bot authorized", zap.String("account", api.Self.UserName))
	return api, nil
}

func New(api API, users UserStore, links Linking, log *zap.Logger, opts Options) *Bot {
	b := &Bot{
		api:     api,
		users:   users,
		links:   links,
		log:     log,
		metrics: opts.Metrics,
		timeout: opts.HandlerTimeout,
	}
	b.commands = map[string]commandFunc{
		"start":   b.handleStart,
		"help":    b.handleHelp,
		"link":    b.handleLink,
		"account": b.handleAccount,
	}
	b.callbacks = map[string]callbackFunc{
		cbLinkAction: b.handleLinkCallback,
	}
	return b
}

// Start opens the update loop.
func (b *Bot) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
	b.log.Info("update loop started")
}

// Stop rejects new updates and waits for in-flight ones to finish.
func (b *Bot) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.inflight.Wait()
	b.log.Info("update loop stopped")
}

// RegisterWebhook points Telegram at url and makes it send secret with every update.
func (b *Bot) RegisterWebhook(url, secret string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("url", url)
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if _, err := b.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	b.log.Info("webhook registered", zap.String("url", url))
	return nil
}

func (b *Bot) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	return b.api.GetWebhookInfo()
}

// ProcessUpdate dispatches one update. Handler failures are logged and never
// returned; the only error is ErrNotRunning.
func (b *Bot) ProcessUpdate(ctx context.Context, update tgbotapi.Update) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return ErrNotRunning
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", zap.Int("update_id", update.UpdateID), zap.Any("panic", r))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.dispatchCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.dispatchMessage(ctx, update.Message)
	}
	return nil
}

func (b *Bot) dispatchMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	name := msg.Command()
	handler, ok := b.commands[name]
	if !ok {
		return
	}

	b.log.Info("command", zap.Int64("telegram_id", msg.From.ID), zap.String("command", name))
	started := time.Now()
	err := handler(ctx, msg)
	b.metrics.ObserveHandler("command", name, started, err)
	if err != nil {
		b.log.Error("handle command", zap.String("command", name), zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
	}
}

func (b *Bot) dispatchCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Warn("callback ack", zap.Error(err))
	}

	action, payload, _ := strings.Cut(cb.Data, ":")
	handler, ok := b.callbacks[action]
	if !ok {
		return
	}

	b.log.Info("callback", zap.Int64("telegram_id", cb.From.ID), zap.String("action", action))
	started := time.Now()
	err := handler(ctx, cb, payload)
	b.metrics.ObserveHandler("callback", action, started, err)
	if err != nil {
		b.log.Error("handle callback", zap.String("action", action), zap.Int64("telegram_id", cb.From.ID), zap.Error(err))
	}
}

// ensureUser registers the sender; failures are logged and returned.
func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) error {
	created, err := b.users.EnsureUser(ctx, from.ID, from.UserName)
	if err != nil {
		b.log.Error("ensure user", zap.Int64("telegram_id", from.ID), zap.Error(err))
		return err
	}
	if created {
		b.metrics.UserCreated()
		b.log.Info("user registered", zap.Int64("telegram_id", from.ID))
	}
	return nil
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

// editText replaces the text of the message that carried a callback button.
func (b *Bot) editText(cb *tgbotapi.CallbackQuery, text string) error {
	if cb.Message == nil || cb.Message.Chat == nil {
		return b.sendText(cb.From.ID, text)
	}
	edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Request(edit)
	return err
}
