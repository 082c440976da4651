package channel

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/threadbot/internal/bus"
	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

// ThreadPlatform is a channel that also hosts conversation threads.
type ThreadPlatform interface {
	thread.Platform
	BotUserID() string
}

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg *config.Config, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Discord, cfg.Thread.Footer, b)
		if err != nil {
			return nil, errors.Wrap(err, "init discord channel")
		}
		m.Add(ch)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, errors.Wrap(err, "init telegram channel")
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers ch and subscribes it to its outbound messages.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Error().Str("component", "channel-mgr").Str("channel", ch.Name()).Err(err).Msg("send failed")
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Info().Str("component", "channel-mgr").Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- errors.Wrap(err, name)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Info().Str("component", "channel-mgr").Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			log.Warn().Str("component", "channel-mgr").Str("channel", name).Err(err).Msg("stop failed")
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Platform returns the thread platform registered under name.
func (m *ChannelManager) Platform(name string) (ThreadPlatform, bool) {
	ch, ok := m.channels[name]
	if !ok {
		return nil, false
	}
	p, ok := ch.(ThreadPlatform)
	return p, ok
}
