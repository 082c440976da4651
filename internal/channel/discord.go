package channel

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/threadbot/internal/bus"
	"github.com/stellarlinkco/threadbot/internal/completion"
	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/metadata"
	"github.com/stellarlinkco/threadbot/internal/splitter"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

const (
	discordChannelName = "discord"
	discordPageSize    = 100
	threadArchiveMins  = 60

	errorReply      = "An error occurred. :( *Beep Boop*"
	noThreadReply   = "Cannot create a chat thread here :( *Beep Boop*"
	tooLargeReply   = "Cannot process images larger than 20MB."
	imageTypeReply  = "Only PNG, JPEG, GIF, and WebP images are accepted."
	rateLimitReply  = "You're sending prompts too quickly. Try again in a moment. *Beep Boop*"
	presenceState   = "Running on a toaster"
	presenceEmoji   = "\U0001F35E"
	maxPromptLength = 2000
)

// DiscordSession is the part of discordgo.Session the channel uses.
type DiscordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	SelfID() string
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseDelete(interaction *discordgo.Interaction, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// discordSessionWrapper adapts *discordgo.Session to DiscordSession.
type discordSessionWrapper struct {
	*discordgo.Session
}

func (w *discordSessionWrapper) SelfID() string {
	if w.State == nil || w.State.User == nil {
		return ""
	}
	return w.State.User.ID
}

// Channel prefers the gateway state cache over a REST round trip.
func (w *discordSessionWrapper) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if w.State != nil {
		if ch, err := w.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return w.Session.Channel(channelID, options...)
}

// SessionFactory creates DiscordSession instances (allows mocking)
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	return &discordSessionWrapper{Session: s}, nil
}

// NewDiscordSession opens nothing; it only builds an authenticated client.
func NewDiscordSession(token string) (DiscordSession, error) {
	return defaultSessionFactory(token)
}

// pendingChat is a deferred /chat or /image interaction waiting for its
// answer.
type pendingChat struct {
	kind        bus.Kind
	interaction *discordgo.Interaction
	userID      string
	prompt      string
	imageURL    string
}

// DiscordChannel serves conversation threads and the /newchat, /chat and
// /image slash commands. It is also the thread.Platform for its threads.
type DiscordChannel struct {
	BaseChannel
	token   string
	botName string
	footer  string
	factory SessionFactory
	session DiscordSession
	limiter *userLimiter
	remove  []func()

	mu      sync.Mutex
	pending map[string]pendingChat
}

func NewDiscordChannel(cfg config.DiscordConfig, footer string, b *bus.MessageBus) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, footer, b, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom session factory (for testing)
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, footer string, b *bus.MessageBus, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is required")
	}
	name := cfg.BotName
	if name == "" {
		name = config.DefaultBotName
	}
	if footer == "" {
		footer = config.DefaultFooter
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, nil),
		token:       cfg.Token,
		botName:     name,
		footer:      footer,
		factory:     factory,
		limiter:     newUserLimiter(cfg.ChatPerMinute, cfg.ChatBurst),
		pending:     make(map[string]pendingChat),
	}, nil
}

func (d *DiscordChannel) logger() *zerolog.Logger {
	l := log.With().Str("component", discordChannelName).Logger()
	return &l
}

// SetSession sets the session (for testing)
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

// BotUserID is the bot's own user id once the session is open.
func (d *DiscordChannel) BotUserID() string {
	if d.session == nil {
		return ""
	}
	return d.session.SelfID()
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	if d.session == nil {
		s, err := d.factory(d.token)
		if err != nil {
			return errors.Wrap(err, "create discord session")
		}
		d.session = s
	}

	d.remove = append(d.remove,
		d.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { d.onReady(r) }),
		d.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { d.onMessageCreate(ctx, m.Message) }),
		d.session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			d.onInteraction(ctx, i.Interaction)
		}),
	)

	if err := d.session.Open(); err != nil {
		return errors.Wrap(err, "open discord session")
	}
	d.logger().Info().Str("bot", d.BotUserID()).Msg("session opened")
	return nil
}

func (d *DiscordChannel) Stop() error {
	for _, rm := range d.remove {
		rm()
	}
	d.remove = nil
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return errors.Wrap(err, "close discord session")
	}
	d.logger().Info().Msg("stopped")
	return nil
}

func (d *DiscordChannel) onReady(r *discordgo.Ready) {
	err := d.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status: "online",
		Activities: []*discordgo.Activity{{
			Name:  presenceEmoji,
			Type:  discordgo.ActivityTypeCustom,
			State: presenceState,
		}},
	})
	if err != nil {
		d.logger().Warn().Err(err).Msg("set presence")
	}
	if r != nil && r.User != nil {
		d.logger().Info().Str("user", r.User.Username).Msg("online *Beep Boop*")
	}
}

// onMessageCreate forwards messages posted in threads the bot owns.
func (d *DiscordChannel) onMessageCreate(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	ch, err := d.session.Channel(m.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		d.logger().Debug().Err(err).Str("channel", m.ChannelID).Msg("lookup channel")
		return
	}
	if !ch.IsThread() || ch.OwnerID != d.BotUserID() {
		return
	}

	msg := bus.InboundMessage{
		ID:          uuid.NewString(),
		Kind:        bus.KindThread,
		Channel:     discordChannelName,
		SenderID:    m.Author.ID,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		Attachments: toAttachments(m.Attachments),
	}
	if err := d.bus.PublishInbound(ctx, msg); err != nil {
		d.logger().Warn().Err(err).Msg("drop thread message")
	}
}

func (d *DiscordChannel) onInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	var err error
	switch name := i.ApplicationCommandData().Name; name {
	case "newchat":
		err = d.handleNewChat(ctx, i)
	case "chat":
		err = d.handleChat(ctx, i)
	case "image":
		err = d.handleImage(ctx, i)
	default:
		d.logger().Error().Str("command", name).Msg("no such command")
		return
	}
	if err != nil {
		d.logger().Error().Err(err).Msg("slash command failed")
		d.followup(i, errorReply)
	}
}

func (d *DiscordChannel) deferReply(ctx context.Context, i *discordgo.Interaction) error {
	return d.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
}

func (d *DiscordChannel) followup(i *discordgo.Interaction, content string) {
	_, err := d.session.FollowupMessageCreate(i, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		d.logger().Warn().Err(err).Msg("interaction followup")
	}
}

// handleNewChat creates a private thread and seeds its metadata message.
func (d *DiscordChannel) handleNewChat(ctx context.Context, i *discordgo.Interaction) error {
	if err := d.deferReply(ctx, i); err != nil {
		return errors.Wrap(err, "defer newchat")
	}
	userID, nick := invoker(i)

	if i.GuildID == "" {
		d.followup(i, noThreadReply)
		return nil
	}
	th, err := d.session.ThreadStartComplex(i.ChannelID, &discordgo.ThreadStart{
		Name:                fmt.Sprintf("%s's chat with %s", nick, d.botName),
		AutoArchiveDuration: threadArchiveMins,
		Type:                discordgo.ChannelTypeGuildPrivateThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		d.logger().Info().Err(err).Str("channel", i.ChannelID).Msg("thread not created")
		d.followup(i, noThreadReply)
		return nil
	}
	d.followup(i, fmt.Sprintf("*Beep Boop* Chatroom created: https://discord.com/channels/%s/%s", i.GuildID, th.ID))

	seed := metadata.Encode(metadata.New(userID, d.footer))
	if _, err := d.session.ChannelMessageSend(th.ID, seed, discordgo.WithContext(ctx)); err != nil {
		return errors.Wrapf(err, "seed thread %s", th.ID)
	}
	d.logger().Info().Str("thread", th.ID).Str("owner", userID).Msg("chat thread created")
	return nil
}

// handleChat validates a /chat prompt and hands it to the gateway. The
// answer arrives later through Send.
func (d *DiscordChannel) handleChat(ctx context.Context, i *discordgo.Interaction) error {
	if err := d.deferReply(ctx, i); err != nil {
		return errors.Wrap(err, "defer chat")
	}
	userID, _ := invoker(i)
	if !d.limiter.Allow(userID) {
		d.followup(i, rateLimitReply)
		return nil
	}

	data := i.ApplicationCommandData()
	var prompt string
	if opt := data.GetOption("prompt"); opt != nil {
		prompt = opt.StringValue()
	}
	var attachments []thread.Attachment
	if opt := data.GetOption("image"); opt != nil && data.Resolved != nil {
		id, _ := opt.Value.(string)
		if a, ok := data.Resolved.Attachments[id]; ok {
			attachments = toAttachments([]*discordgo.MessageAttachment{a})
		}
	}
	if len(attachments) == 1 {
		a := attachments[0]
		if a.Size > completion.MaxImageSize {
			d.followup(i, tooLargeReply)
			return nil
		}
		if !completion.AcceptImage(a) {
			d.followup(i, imageTypeReply)
			return nil
		}
	}

	p := pendingChat{kind: bus.KindChat, interaction: i, userID: userID, prompt: prompt}
	if len(attachments) == 1 {
		p.imageURL = attachments[0].URL
	}
	return d.publishPending(ctx, p, attachments)
}

// handleImage hands an /image prompt to the gateway. The picture arrives
// later through Send.
func (d *DiscordChannel) handleImage(ctx context.Context, i *discordgo.Interaction) error {
	if err := d.deferReply(ctx, i); err != nil {
		return errors.Wrap(err, "defer image")
	}
	userID, _ := invoker(i)
	if !d.limiter.Allow(userID) {
		d.followup(i, rateLimitReply)
		return nil
	}
	var prompt string
	if opt := i.ApplicationCommandData().GetOption("prompt"); opt != nil {
		prompt = opt.StringValue()
	}
	return d.publishPending(ctx, pendingChat{kind: bus.KindImage, interaction: i, userID: userID, prompt: prompt}, nil)
}

func (d *DiscordChannel) publishPending(ctx context.Context, p pendingChat, attachments []thread.Attachment) error {
	id := uuid.NewString()
	d.mu.Lock()
	d.pending[id] = p
	d.mu.Unlock()

	err := d.bus.PublishInbound(ctx, bus.InboundMessage{
		ID:          id,
		Kind:        p.kind,
		Channel:     discordChannelName,
		SenderID:    p.userID,
		ChatID:      p.interaction.ChannelID,
		Content:     p.prompt,
		Timestamp:   time.Now(),
		Attachments: attachments,
	})
	if err != nil {
		d.take(id)
		return errors.Wrapf(err, "publish %s", p.kind)
	}
	return nil
}

func (d *DiscordChannel) take(id string) (pendingChat, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	delete(d.pending, id)
	return p, ok
}

// Send delivers the answer to a /chat or /image prompt in the channel it
// was asked in.
func (d *DiscordChannel) Send(msg bus.OutboundMessage) error {
	if d.session == nil {
		return errors.New("discord session not initialized")
	}
	p, ok := d.take(msg.ReplyTo)
	if !ok {
		return errors.Errorf("no pending chat for %q", msg.ReplyTo)
	}
	if msg.Failed {
		d.followup(p.interaction, msg.Content)
		return nil
	}

	if err := d.session.InteractionResponseDelete(p.interaction); err != nil {
		d.logger().Warn().Err(err).Msg("delete deferred reply")
	}
	if p.kind == bus.KindImage {
		return d.sendImage(msg, p)
	}
	prefix := fmt.Sprintf("%s says:\n> *%s*\n", metadata.Mention(p.userID), p.prompt)
	if p.imageURL != "" {
		prefix += p.imageURL + "\n"
	}
	for _, chunk := range splitter.Split(msg.Content, splitter.WithPrefix(prefix)) {
		if _, err := d.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return errors.Wrap(err, "send chat reply")
		}
	}
	return nil
}

// sendImage posts the generated picture on the last message of the
// announcement.
func (d *DiscordChannel) sendImage(msg bus.OutboundMessage, p pendingChat) error {
	text := fmt.Sprintf("%s wants to generate an image:\n> *%s*\n\nRevised prompt by OpenAI:\n> %s\n",
		metadata.Mention(p.userID), p.prompt, msg.Content)
	chunks := splitter.Split(text)
	files := make([]*discordgo.File, 0, len(msg.Files))
	for _, f := range msg.Files {
		files = append(files, &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: bytes.NewReader(f.Data)})
	}

	for n, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if n == len(chunks)-1 {
			send.Files = files
		}
		if _, err := d.session.ChannelMessageSendComplex(msg.ChatID, send); err != nil {
			return errors.Wrap(err, "send image")
		}
	}
	return nil
}

// Messages returns every message of the thread, oldest first, with
// positions numbered from zero.
func (d *DiscordChannel) Messages(ctx context.Context, threadID string) ([]thread.Message, error) {
	var raw []*discordgo.Message
	before := ""
	for {
		page, err := d.session.ChannelMessages(threadID, discordPageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "fetch messages of %s", threadID)
		}
		raw = append(raw, page...)
		if len(page) < discordPageSize {
			break
		}
		before = page[len(page)-1].ID
	}

	out := make([]thread.Message, len(raw))
	for i := range raw {
		m := raw[len(raw)-1-i]
		out[i] = toMessage(m, i)
	}
	return out, nil
}

// Message fetches one message. Position is left at -1; callers track it.
func (d *DiscordChannel) Message(ctx context.Context, threadID, messageID string) (thread.Message, error) {
	m, err := d.session.ChannelMessage(threadID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return thread.Message{}, errors.Wrapf(err, "fetch message %s", messageID)
	}
	return toMessage(m, -1), nil
}

func (d *DiscordChannel) Edit(ctx context.Context, threadID, messageID, content string) error {
	if _, err := d.session.ChannelMessageEdit(threadID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return errors.Wrapf(err, "edit message %s", messageID)
	}
	return nil
}

// Reply posts content as a reply and resolves the new message's position
// by re-reading the thread.
func (d *DiscordChannel) Reply(ctx context.Context, threadID, replyToID, content string) (thread.Message, error) {
	sent, err := d.session.ChannelMessageSendReply(threadID, content, &discordgo.MessageReference{
		MessageID: replyToID,
		ChannelID: threadID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return thread.Message{}, errors.Wrap(err, "send reply")
	}

	all, err := d.Messages(ctx, threadID)
	if err != nil {
		return thread.Message{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ID == sent.ID {
			return all[i], nil
		}
	}
	return thread.Message{}, errors.Errorf("sent message %s not visible in thread %s", sent.ID, threadID)
}

// Commands are the slash command definitions pushed by "commands register".
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "chat",
			Description: "Type a message to chat with toast with no chat history.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "What would you like toast to respond to?",
					Required:    true,
					MaxLength:   maxPromptLength,
				},
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        "image",
					Description: "Is there something toast should look at?",
				},
			},
		},
		{
			Name:        "image",
			Description: "Ask toast to generate an image from a prompt.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "The prompt to generate an image from.",
					Required:    true,
					MaxLength:   maxPromptLength,
				},
			},
		},
		{
			Name:        "newchat",
			Description: "Creates a new chat thread with toast to give it chat history.",
		},
	}
}

// RegisterCommands overwrites the global slash commands of appID.
func RegisterCommands(s DiscordSession, appID string) ([]*discordgo.ApplicationCommand, error) {
	if appID == "" {
		return nil, errors.New("discord client id is required")
	}
	created, err := s.ApplicationCommandBulkOverwrite(appID, "", Commands())
	if err != nil {
		return nil, errors.Wrap(err, "register commands")
	}
	return created, nil
}

func invoker(i *discordgo.Interaction) (id, name string) {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID, i.Member.DisplayName()
	}
	if i.User != nil {
		return i.User.ID, i.User.DisplayName()
	}
	return "", ""
}

func toMessage(m *discordgo.Message, pos int) thread.Message {
	out := thread.Message{
		ID:          m.ID,
		Content:     m.Content,
		Attachments: toAttachments(m.Attachments),
		Position:    pos,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	return out
}

func toAttachments(in []*discordgo.MessageAttachment) []thread.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]thread.Attachment, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		out = append(out, thread.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}
