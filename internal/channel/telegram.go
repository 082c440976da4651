package channel

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/threadbot/internal/bus"
	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/splitter"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	splitLimit int
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	limit := cfg.SplitLimit
	if limit <= 0 {
		limit = config.DefaultTelegramSplit
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		splitLimit:  limit,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) logger() *zerolog.Logger {
	l := log.With().Str("component", telegramChannelName).Logger()
	return &l
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return errors.Wrap(err, "parse proxy url")
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return errors.Wrap(err, "create telegram bot")
	}
	t.bot = bot
	t.logger().Info().Str("user", bot.GetSelf().UserName).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger().Info().Msg("polling started")
	return nil
}

// handleMessage turns every allowed message into a one-shot chat prompt.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.logger().Info().Str("sender", senderID).Str("username", msg.From.UserName).Msg("rejected message")
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}

	var attachments []thread.Attachment

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		a, err := t.imageAttachment(photo.FileID, "", "photo.jpg")
		if err != nil {
			t.logger().Warn().Err(err).Str("file", photo.FileID).Msg("download photo")
		} else {
			attachments = append(attachments, a)
		}
	}

	if msg.Document != nil {
		doc := msg.Document
		if strings.HasPrefix(doc.MimeType, "image/") {
			a, err := t.imageAttachment(doc.FileID, doc.MimeType, doc.FileName)
			if err != nil {
				t.logger().Warn().Err(err).Str("file", doc.FileID).Msg("download document")
			} else {
				attachments = append(attachments, a)
			}
		} else {
			// Not forwarded; kept so the gateway can refuse it.
			attachments = append(attachments, thread.Attachment{
				Filename:    doc.FileName,
				ContentType: doc.MimeType,
				Size:        doc.FileSize,
			})
		}
	}

	if content == "" && len(attachments) == 0 {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	err := t.bus.PublishInbound(ctx, bus.InboundMessage{
		ID:          uuid.NewString(),
		Kind:        bus.KindChat,
		Channel:     telegramChannelName,
		SenderID:    senderID,
		ChatID:      chatID,
		MessageID:   strconv.Itoa(msg.MessageID),
		Content:     content,
		Timestamp:   time.Unix(int64(msg.Date), 0),
		Attachments: attachments,
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
		},
	})
	if err != nil {
		t.logger().Warn().Err(err).Msg("drop message")
	}
}

// imageAttachment downloads a file and inlines it as a data URL, so the
// bot token in the file link never leaves the process.
func (t *TelegramChannel) imageAttachment(fileID, mediaType, filename string) (thread.Attachment, error) {
	data, err := t.downloadFileData(fileID)
	if err != nil {
		return thread.Attachment{}, err
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
		if mediaType == "application/octet-stream" {
			mediaType = "image/jpeg"
		}
	}
	return thread.Attachment{
		URL:         "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Filename:    filename,
		ContentType: mediaType,
		Size:        len(data),
	}, nil
}

func (t *TelegramChannel) downloadFileData(fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, errors.New("telegram bot not initialized")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, errors.Wrap(err, "get telegram file")
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(file.Link(t.token))
	if err != nil {
		return nil, errors.Wrap(err, "download telegram file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read telegram file body")
	}

	if len(data) == 0 {
		return nil, errors.New("telegram file is empty")
	}

	return data, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger().Info().Msg("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send splits the reply on markdown boundaries and sends each part as
// HTML, falling back to plain text when Telegram rejects the markup.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return errors.New("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid chat id %q", msg.ChatID)
	}

	for _, chunk := range splitter.Split(msg.Content, splitter.WithLimit(t.splitLimit)) {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return errors.Wrap(err2, "send telegram message")
			}
		}
	}
	return nil
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Code blocks: ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	// Inline code: `...` -> <code>...</code>
	for {
		start := strings.Index(s, "`")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "`")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<code>" + s[start+1:end] + "</code>" + s[end+1:]
	}

	// Bold: **...** -> <b>...</b>
	for {
		start := strings.Index(s, "**")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end == -1 {
			break
		}
		end += start + 2
		s = s[:start] + "<b>" + s[start+2:end] + "</b>" + s[end+2:]
	}

	// Italic: *...* -> <i>...</i> (after bold to avoid conflicts)
	for {
		start := strings.Index(s, "*")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "*")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<i>" + s[start+1:end] + "</i>" + s[end+1:]
	}

	return s
}
