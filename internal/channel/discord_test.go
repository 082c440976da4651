package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/threadbot/internal/bus"
	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/metadata"
)

const testBotID = "900"

// fakeSession keeps one thread's messages newest first, the order the
// Discord API pages them in.
type fakeSession struct {
	mu        sync.Mutex
	selfID    string
	channels  map[string]*discordgo.Channel
	messages  map[string][]*discordgo.Message
	nextID    int
	handlers  int
	opened    bool
	closed    bool
	presence  *discordgo.UpdateStatusData
	responds  []*discordgo.InteractionResponse
	followups []string
	deleted   int
	sent      map[string][]string
	files     map[string][]*discordgo.File
	threads   []*discordgo.ThreadStart
	commands  []*discordgo.ApplicationCommand
	pageCalls int
	sendErr   error
	threadErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		selfID:   testBotID,
		channels: make(map[string]*discordgo.Channel),
		messages: make(map[string][]*discordgo.Message),
		sent:     make(map[string][]string),
		files:    make(map[string][]*discordgo.File),
		nextID:   1000,
	}
}

func (f *fakeSession) Open() error  { f.opened = true; return nil }
func (f *fakeSession) Close() error { f.closed = true; return nil }

func (f *fakeSession) AddHandler(handler interface{}) func() {
	f.handlers++
	return func() { f.handlers-- }
}

func (f *fakeSession) SelfID() string { return f.selfID }

func (f *fakeSession) UpdateStatusComplex(usd discordgo.UpdateStatusData) error {
	f.presence = &usd
	return nil
}

func (f *fakeSession) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	return ch, nil
}

// post appends a message to a thread as the newest one.
func (f *fakeSession) post(threadID, authorID, content string) *discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := &discordgo.Message{
		ID:        strconv.Itoa(f.nextID),
		ChannelID: threadID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID},
	}
	f.messages[threadID] = append([]*discordgo.Message{m}, f.messages[threadID]...)
	return m
}

func (f *fakeSession) ChannelMessages(channelID string, limit int, beforeID, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	all := f.messages[channelID]
	start := 0
	if beforeID != "" {
		for i, m := range all {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (f *fakeSession) ChannelMessage(channelID, messageID string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[channelID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown message %s", messageID)
}

func (f *fakeSession) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent[channelID] = append(f.sent[channelID], content)
	return f.post(channelID, f.selfID, content), nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m, err := f.ChannelMessageSend(channelID, data.Content)
	if err != nil {
		return nil, err
	}
	f.files[channelID] = append(f.files[channelID], data.Files...)
	return m, nil
}

func (f *fakeSession) ChannelMessageSendReply(channelID string, content string, _ *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.ChannelMessageSend(channelID, content)
}

func (f *fakeSession) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[channelID] {
		if m.ID == messageID {
			m.Content = content
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown message %s", messageID)
}

func (f *fakeSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	f.threads = append(f.threads, data)
	ch := &discordgo.Channel{ID: "t" + strconv.Itoa(len(f.threads)), ParentID: channelID, OwnerID: f.selfID, Type: data.Type}
	f.channels[ch.ID] = ch
	return ch, nil
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.responds = append(f.responds, resp)
	return nil
}

func (f *fakeSession) InteractionResponseDelete(_ *discordgo.Interaction, _ ...discordgo.RequestOption) error {
	f.deleted++
	return nil
}

func (f *fakeSession) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.followups = append(f.followups, data.Content)
	return &discordgo.Message{}, nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(_ string, _ string, commands []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	f.commands = commands
	return commands, nil
}

func newTestDiscord(t *testing.T, cfg config.DiscordConfig) (*DiscordChannel, *fakeSession, *bus.MessageBus) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "tok"
	}
	b := bus.NewMessageBus(10)
	s := newFakeSession()
	d, err := NewDiscordChannelWithFactory(cfg, "footer", b, func(string) (DiscordSession, error) { return s, nil })
	require.NoError(t, err)
	d.SetSession(s)
	return d, s, b
}

func slashCommand(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "c1",
		Member: &discordgo.Member{
			Nick: "Ann",
			User: &discordgo.User{ID: "42", Username: "ann"},
		},
		Data: discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
	}
}

func promptOption(s string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "prompt",
		Type:  discordgo.ApplicationCommandOptionString,
		Value: s,
	}
}

func TestNewDiscordChannel(t *testing.T) {
	_, err := NewDiscordChannel(config.DiscordConfig{}, "", bus.NewMessageBus(1))
	assert.Error(t, err)

	d, err := NewDiscordChannel(config.DiscordConfig{Token: "tok"}, "", bus.NewMessageBus(1))
	require.NoError(t, err)
	assert.Equal(t, "discord", d.Name())
	assert.Equal(t, config.DefaultBotName, d.botName)
	assert.Equal(t, config.DefaultFooter, d.footer)
	assert.Empty(t, d.BotUserID())
}

func TestDiscordChannel_StartStop(t *testing.T) {
	d, s, _ := newTestDiscord(t, config.DiscordConfig{})
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, s.opened)
	assert.Equal(t, 3, s.handlers)
	assert.Equal(t, testBotID, d.BotUserID())

	d.onReady(&discordgo.Ready{User: &discordgo.User{Username: "toast"}})
	require.NotNil(t, s.presence)
	assert.Equal(t, presenceState, s.presence.Activities[0].State)

	require.NoError(t, d.Stop())
	assert.True(t, s.closed)
	assert.Zero(t, s.handlers)
}

func TestDiscordChannel_MessagesPaginates(t *testing.T) {
	d, s, _ := newTestDiscord(t, config.DiscordConfig{})
	for i := 0; i < 250; i++ {
		s.post("t1", "42", strconv.Itoa(i))
	}

	msgs, err := d.Messages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 250)
	assert.Equal(t, 3, s.pageCalls)
	for i, m := range msgs {
		require.Equal(t, i, m.Position)
		require.Equal(t, strconv.Itoa(i), m.Content)
	}
	assert.Equal(t, "42", msgs[0].AuthorID)
}

func TestDiscordChannel_MessageEditReply(t *testing.T) {
	d, s, _ := newTestDiscord(t, config.DiscordConfig{})
	ctx := context.Background()
	meta := s.post("t1", testBotID, "meta")
	user := s.post("t1", "42", "hi")

	require.NoError(t, d.Edit(ctx, "t1", meta.ID, "meta2"))
	got, err := d.Message(ctx, "t1", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "meta2", got.Content)
	assert.Equal(t, -1, got.Position)

	reply, err := d.Reply(ctx, "t1", user.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Position)
	assert.Equal(t, testBotID, reply.AuthorID)

	assert.Error(t, d.Edit(ctx, "t1", "missing", "x"))
	_, err = d.Message(ctx, "t1", "missing")
	assert.Error(t, err)
}

func TestDiscordChannel_OnMessageCreate(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	s.channels["t1"] = &discordgo.Channel{ID: "t1", Type: discordgo.ChannelTypeGuildPrivateThread, OwnerID: testBotID}
	s.channels["t2"] = &discordgo.Channel{ID: "t2", Type: discordgo.ChannelTypeGuildPrivateThread, OwnerID: "someone"}
	s.channels["c1"] = &discordgo.Channel{ID: "c1", Type: discordgo.ChannelTypeGuildText, OwnerID: testBotID}
	ctx := context.Background()

	d.onMessageCreate(ctx, &discordgo.Message{ID: "1", ChannelID: "t1", Author: &discordgo.User{ID: "7", Bot: true}})
	d.onMessageCreate(ctx, &discordgo.Message{ID: "2", ChannelID: "t2", Author: &discordgo.User{ID: "42"}})
	d.onMessageCreate(ctx, &discordgo.Message{ID: "3", ChannelID: "c1", Author: &discordgo.User{ID: "42"}})
	d.onMessageCreate(ctx, &discordgo.Message{ID: "4", ChannelID: "gone", Author: &discordgo.User{ID: "42"}})
	d.onMessageCreate(ctx, &discordgo.Message{
		ID: "5", ChannelID: "t1", Content: "hello", Author: &discordgo.User{ID: "42"},
		Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png", Size: 10}},
	})

	require.Len(t, b.Inbound, 1)
	in := <-b.Inbound
	assert.Equal(t, bus.KindThread, in.Kind)
	assert.Equal(t, "5", in.MessageID)
	assert.Equal(t, "t1", in.ChatID)
	assert.Equal(t, "42", in.SenderID)
	require.Len(t, in.Attachments, 1)
	assert.Equal(t, "image/png", in.Attachments[0].ContentType)
}

func TestDiscordChannel_NewChat(t *testing.T) {
	d, s, _ := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("newchat"))

	require.Len(t, s.responds, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, s.responds[0].Type)
	require.Len(t, s.threads, 1)
	assert.Equal(t, "Ann's chat with toast", s.threads[0].Name)
	assert.Equal(t, discordgo.ChannelTypeGuildPrivateThread, s.threads[0].Type)
	require.Len(t, s.followups, 1)
	assert.Equal(t, "*Beep Boop* Chatroom created: https://discord.com/channels/g1/t1", s.followups[0])

	require.Len(t, s.sent["t1"], 1)
	rec, err := metadata.Decode(s.sent["t1"][0])
	require.NoError(t, err)
	assert.Equal(t, "42", rec.OwnerID)
	assert.Equal(t, "footer", rec.Footer)
	assert.False(t, rec.Busy)
}

func TestDiscordChannel_NewChatRefused(t *testing.T) {
	d, s, _ := newTestDiscord(t, config.DiscordConfig{})
	i := slashCommand("newchat")
	i.GuildID = ""
	d.onInteraction(context.Background(), i)
	assert.Equal(t, []string{noThreadReply}, s.followups)

	d, s, _ = newTestDiscord(t, config.DiscordConfig{})
	s.threadErr = fmt.Errorf("missing permissions")
	d.onInteraction(context.Background(), slashCommand("newchat"))
	assert.Equal(t, []string{noThreadReply}, s.followups)
}

func TestDiscordChannel_NewChatSeedFails(t *testing.T) {
	d, s, _ := newTestDiscord(t, config.DiscordConfig{})
	s.sendErr = fmt.Errorf("boom")
	d.onInteraction(context.Background(), slashCommand("newchat"))
	require.Len(t, s.followups, 2)
	assert.Equal(t, errorReply, s.followups[1])
}

func TestDiscordChannel_ChatRoundTrip(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("chat", promptOption("why is toast?")))

	require.Len(t, b.Inbound, 1)
	in := <-b.Inbound
	assert.Equal(t, bus.KindChat, in.Kind)
	assert.Equal(t, "why is toast?", in.Content)
	assert.Equal(t, "c1", in.ChatID)

	require.NoError(t, d.Send(bus.OutboundMessage{Channel: "discord", ChatID: "c1", ReplyTo: in.ID, Content: "because bread"}))
	assert.Equal(t, 1, s.deleted)
	require.Len(t, s.sent["c1"], 1)
	assert.Equal(t, "<@42> says:\n> *why is toast?*\nbecause bread", s.sent["c1"][0])

	assert.Error(t, d.Send(bus.OutboundMessage{Channel: "discord", ChatID: "c1", ReplyTo: in.ID, Content: "again"}))
}

func TestDiscordChannel_ChatLongAnswerSplits(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("chat", promptOption("essay")))
	in := <-b.Inbound

	answer := strings.Repeat(strings.Repeat("word ", 100)+"\n\n", 10)
	require.NoError(t, d.Send(bus.OutboundMessage{ChatID: "c1", ReplyTo: in.ID, Content: answer}))
	require.Greater(t, len(s.sent["c1"]), 1)
	assert.True(t, strings.HasPrefix(s.sent["c1"][0], "<@42> says:\n> *essay*\n"))
	for _, chunk := range s.sent["c1"] {
		assert.LessOrEqual(t, len([]rune(chunk)), 2000)
	}
}

func TestDiscordChannel_ChatFailedAnswer(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("chat", promptOption("hi")))
	in := <-b.Inbound

	require.NoError(t, d.Send(bus.OutboundMessage{ChatID: "c1", ReplyTo: in.ID, Content: "nope", Failed: true}))
	assert.Equal(t, []string{"nope"}, s.followups)
	assert.Zero(t, s.deleted)
	assert.Empty(t, s.sent["c1"])
}

func TestDiscordChannel_ChatImage(t *testing.T) {
	tests := []struct {
		name     string
		att      *discordgo.MessageAttachment
		followup string
		image    string
	}{
		{"accepted", &discordgo.MessageAttachment{URL: "https://cdn/cat.png", Filename: "cat.png", ContentType: "image/png", Size: 100}, "", "https://cdn/cat.png"},
		{"too large", &discordgo.MessageAttachment{URL: "https://cdn/big.png", Filename: "big.png", ContentType: "image/png", Size: 20_000_001}, tooLargeReply, ""},
		{"wrong type", &discordgo.MessageAttachment{URL: "https://cdn/a.pdf", Filename: "a.pdf", ContentType: "application/pdf", Size: 100}, imageTypeReply, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s, b := newTestDiscord(t, config.DiscordConfig{})
			i := slashCommand("chat", promptOption("look"), &discordgo.ApplicationCommandInteractionDataOption{
				Name:  "image",
				Type:  discordgo.ApplicationCommandOptionAttachment,
				Value: "a1",
			})
			data := i.Data.(discordgo.ApplicationCommandInteractionData)
			data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
				Attachments: map[string]*discordgo.MessageAttachment{"a1": tt.att},
			}
			i.Data = data
			d.onInteraction(context.Background(), i)

			if tt.followup != "" {
				assert.Equal(t, []string{tt.followup}, s.followups)
				assert.Empty(t, b.Inbound)
				return
			}
			require.Len(t, b.Inbound, 1)
			in := <-b.Inbound
			require.Len(t, in.Attachments, 1)
			require.NoError(t, d.Send(bus.OutboundMessage{ChatID: "c1", ReplyTo: in.ID, Content: "a cat"}))
			assert.Equal(t, "<@42> says:\n> *look*\n"+tt.image+"\na cat", s.sent["c1"][0])
		})
	}
}

func TestDiscordChannel_ImageRoundTrip(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("image", promptOption("a toaster")))

	require.Len(t, s.responds, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, s.responds[0].Data.Flags)
	require.Len(t, b.Inbound, 1)
	in := <-b.Inbound
	assert.Equal(t, bus.KindImage, in.Kind)
	assert.Equal(t, "a toaster", in.Content)

	require.NoError(t, d.Send(bus.OutboundMessage{
		ChatID: "c1", ReplyTo: in.ID, Content: "a chrome toaster at dawn",
		Files: []bus.File{{Name: "image.png", ContentType: "image/png", Data: []byte("PNG")}},
	}))
	assert.Equal(t, 1, s.deleted)
	require.Len(t, s.sent["c1"], 1)
	assert.Equal(t, "<@42> wants to generate an image:\n> *a toaster*\n\nRevised prompt by OpenAI:\n> a chrome toaster at dawn\n", s.sent["c1"][0])
	require.Len(t, s.files["c1"], 1)
	f := s.files["c1"][0]
	assert.Equal(t, "image.png", f.Name)
	data, err := io.ReadAll(f.Reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), data)
}

func TestDiscordChannel_ImageFailed(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("image", promptOption("a toaster")))
	in := <-b.Inbound

	require.NoError(t, d.Send(bus.OutboundMessage{ChatID: "c1", ReplyTo: in.ID, Content: "no pictures", Failed: true}))
	assert.Equal(t, []string{"no pictures"}, s.followups)
	assert.Empty(t, s.files["c1"])
}

func TestDiscordChannel_ImageSendError(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), slashCommand("image", promptOption("a toaster")))
	in := <-b.Inbound

	s.sendErr = errors.New("missing access")
	assert.Error(t, d.Send(bus.OutboundMessage{ChatID: "c1", ReplyTo: in.ID, Content: "x"}))
}

func TestDiscordChannel_ChatRateLimited(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{ChatPerMinute: 1, ChatBurst: 1})
	d.onInteraction(context.Background(), slashCommand("chat", promptOption("one")))
	d.onInteraction(context.Background(), slashCommand("chat", promptOption("two")))

	assert.Len(t, b.Inbound, 1)
	assert.Equal(t, []string{rateLimitReply}, s.followups)
}

func TestDiscordChannel_IgnoresOtherInteractions(t *testing.T) {
	d, s, b := newTestDiscord(t, config.DiscordConfig{})
	d.onInteraction(context.Background(), nil)
	d.onInteraction(context.Background(), &discordgo.Interaction{Type: discordgo.InteractionPing})
	d.onInteraction(context.Background(), slashCommand("unknown"))
	assert.Empty(t, s.responds)
	assert.Empty(t, b.Inbound)
}

func TestCommands(t *testing.T) {
	cmds := Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "chat", cmds[0].Name)
	require.Len(t, cmds[0].Options, 2)
	assert.True(t, cmds[0].Options[0].Required)
	assert.Equal(t, maxPromptLength, cmds[0].Options[0].MaxLength)
	assert.Equal(t, discordgo.ApplicationCommandOptionAttachment, cmds[0].Options[1].Type)
	assert.Equal(t, "image", cmds[1].Name)
	require.Len(t, cmds[1].Options, 1)
	assert.True(t, cmds[1].Options[0].Required)
	assert.Equal(t, "newchat", cmds[2].Name)

	s := newFakeSession()
	_, err := RegisterCommands(s, "")
	assert.Error(t, err)
	created, err := RegisterCommands(s, "app")
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Len(t, s.commands, 3)
}
