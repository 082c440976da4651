package gateway

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/stellarlinkco/threadbot/internal/admin"
	"github.com/stellarlinkco/threadbot/internal/bus"
	"github.com/stellarlinkco/threadbot/internal/channel"
	"github.com/stellarlinkco/threadbot/internal/completion"
	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/cron"
	"github.com/stellarlinkco/threadbot/internal/metrics"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

const shutdownTimeout = 10 * time.Second

// ImageUnavailableReply answers /image when no generator is configured.
const ImageUnavailableReply = "Image generation is not set up here. *Beep Boop*"

// Completer answers both thread turns and one-shot prompts.
type Completer interface {
	thread.Completer
	Chat(ctx context.Context, prompt, imageURL string) (string, error)
}

// CompleterFactory creates the Completer (allows mocking in tests).
type CompleterFactory func(cfg *config.Config) (Completer, error)

// DefaultCompleterFactory talks to the configured model provider.
func DefaultCompleterFactory(cfg *config.Config) (Completer, error) {
	return completion.New(completion.NewProvider(cfg), cfg.Agent), nil
}

// ImageGenerator renders /image prompts.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (completion.Image, error)
}

// ImageGeneratorFactory creates the ImageGenerator. A nil generator
// disables /image.
type ImageGeneratorFactory func(cfg *config.Config) (ImageGenerator, error)

// DefaultImageGeneratorFactory uses the OpenAI images endpoint when an
// image key is configured.
func DefaultImageGeneratorFactory(cfg *config.Config) (ImageGenerator, error) {
	if !cfg.ImageReady() {
		return nil, nil
	}
	return completion.NewImageGenerator(cfg.Image), nil
}

// Options for creating a Gateway
type Options struct {
	CompleterFactory CompleterFactory
	ImageFactory     ImageGeneratorFactory
	SignalChan       chan os.Signal // for testing signal handling
}

// Gateway routes inbound messages from every channel to the thread state
// machine or the one-shot chat path, bounded by MaxInFlight.
type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	completer  Completer
	images     ImageGenerator
	channels   *channel.ChannelManager
	registry   *thread.Registry
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted
	cron       *cron.Service
	sweeper    *cron.Sweeper
	admin      *admin.Server
	signalChan chan os.Signal
	wg         sync.WaitGroup

	stopDispatch func()
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	bufSize := cfg.Gateway.BufSize
	if bufSize <= 0 {
		bufSize = config.DefaultBufSize
	}
	maxInFlight := cfg.Gateway.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = config.DefaultMaxInFlight
	}

	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(bufSize),
		registry:   thread.NewRegistry(),
		metrics:    metrics.New(),
		sem:        semaphore.NewWeighted(int64(maxInFlight)),
		cron:       cron.NewService(),
		signalChan: opts.SignalChan,
	}

	factory := opts.CompleterFactory
	if factory == nil {
		factory = DefaultCompleterFactory
	}
	c, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create completer")
	}
	g.completer = c

	imageFactory := opts.ImageFactory
	if imageFactory == nil {
		imageFactory = DefaultImageGeneratorFactory
	}
	images, err := imageFactory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create image generator")
	}
	g.images = images

	chMgr, err := channel.NewChannelManager(cfg, g.bus)
	if err != nil {
		return nil, errors.Wrap(err, "create channel manager")
	}
	g.channels = chMgr

	g.sweeper = cron.NewSweeper(g.registry, g.platform, g.metrics, cron.DefaultMinIdle)
	if cfg.Sweeper.Enabled {
		if err := g.cron.AddJob(cron.SweepJobName, cfg.Sweeper.Schedule, g.sweeper.Run); err != nil {
			return nil, errors.Wrap(err, "schedule sweeper")
		}
	}

	g.admin = admin.NewServer(cfg.Admin.Token, admin.Deps{
		Registry:  g.registry,
		Platforms: g.platform,
		Channels:  g.channels.EnabledChannels,
		Metrics:   g.metrics.Handler(),
		Stuck:     g.sweeper.Stuck,
		Jobs:      g.cron.ListJobs,
		Poll:      g.pollConfig(),
	})

	return g, nil
}

// Bus exposes the message bus so tests and tools can inject messages.
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// Channels exposes the channel manager.
func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }

func (g *Gateway) Registry() *thread.Registry { return g.registry }

func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

func (g *Gateway) platform(name string) (thread.Platform, bool) {
	p, ok := g.channels.Platform(name)
	if !ok {
		return nil, false
	}
	return p, true
}

func (g *Gateway) pollConfig() thread.PollConfig {
	return thread.PollConfig{
		Interval: g.cfg.Thread.PollInterval(),
		MaxTries: g.cfg.Thread.PollMaxTries,
	}
}

// Run serves until a signal arrives or ctx is done. Shutdown stops intake
// first; turns already running finish on a context that outlives ctx.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := log.With().Str("component", "gateway").Logger()

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatched := make(chan struct{})
	go func() {
		g.bus.DispatchOutbound(dispatchCtx)
		close(dispatched)
	}()
	g.stopDispatch = func() {
		stopDispatch()
		<-dispatched
	}
	defer g.stopDispatch()

	if err := g.channels.StartAll(ctx); err != nil {
		return errors.Wrap(err, "start channels")
	}
	logger.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if g.cfg.Sweeper.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("cron start")
		}
	}

	if g.cfg.Admin.Enabled {
		if err := g.admin.Start(g.cfg.Admin.Host, g.cfg.Admin.Port); err != nil {
			cancel()
			_ = g.channels.StopAll()
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(done)
	}()

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	cancel()
	<-done
	return g.Shutdown()
}

// processLoop hands every inbound message to its own goroutine once a slot
// is free. Cancelling ctx stops intake but not the turns already started.
func (g *Gateway) processLoop(ctx context.Context) {
	turnCtx := context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-g.bus.Inbound:
			if err := g.sem.Acquire(ctx, 1); err != nil {
				return
			}
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				defer g.sem.Release(1)
				g.handle(turnCtx, msg)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	g.metrics.IncInFlight()
	defer g.metrics.DecInFlight()

	logger := log.With().
		Str("component", "gateway").
		Str("request_id", msg.ID).
		Str("channel", msg.Channel).
		Str("kind", msg.Kind.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	var outcome thread.Outcome
	switch msg.Kind {
	case bus.KindThread:
		outcome = g.handleThread(ctx, msg)
	case bus.KindImage:
		outcome = g.handleImage(ctx, msg)
	default:
		outcome = g.handleChat(ctx, msg)
	}
	g.metrics.ObserveOutcome(msg.Channel, outcome.String())
}

func (g *Gateway) handleThread(ctx context.Context, msg bus.InboundMessage) thread.Outcome {
	logger := zerolog.Ctx(ctx)
	p, ok := g.channels.Platform(msg.Channel)
	if !ok {
		logger.Warn().Msg("channel has no thread support")
		return thread.OutcomeIgnored
	}

	end := g.registry.Begin(msg.Channel, msg.ChatID)
	defer end()

	h := thread.NewHandler(thread.Config{
		BotUserID:     p.BotUserID(),
		MaxChatLength: g.cfg.Thread.MaxChatLength,
		SplitLimit:    g.cfg.Thread.SplitLimit,
		Poll:          g.pollConfig(),
	}, &timedCompleter{Completer: g.completer, metrics: g.metrics})

	outcome, err := h.Handle(ctx, p, msg.ThreadInbound())
	ev := logger.Debug()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("thread", msg.ChatID).Stringer("outcome", outcome).Msg("thread message handled")
	return outcome
}

// handleChat answers a one-shot prompt. Attachments follow the thread
// rule: at most one, and it must be an accepted image.
func (g *Gateway) handleChat(ctx context.Context, msg bus.InboundMessage) thread.Outcome {
	logger := zerolog.Ctx(ctx)
	reply := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, ReplyTo: msg.ID}

	var imageURL string
	if n := len(msg.Attachments); n > 0 {
		if n != 1 || !g.completer.AcceptImage(msg.Attachments[0]) {
			reply.Content, reply.Failed = thread.AttachmentReply, true
			g.publish(ctx, reply)
			return thread.OutcomeRefusedAttachment
		}
		imageURL = msg.Attachments[0].URL
	}

	start := time.Now()
	answer, err := g.completer.Chat(ctx, msg.Content, imageURL)
	g.metrics.ObserveCompletion("chat", time.Since(start), err)
	if err != nil {
		logger.Error().Err(err).Msg("chat completion")
		reply.Content, reply.Failed = thread.FailureReply, true
		g.publish(ctx, reply)
		return thread.OutcomeCompletionFailed
	}

	reply.Content = answer
	if !g.publish(ctx, reply) {
		return thread.OutcomeSendFailed
	}
	return thread.OutcomeReplied
}

// handleImage renders msg.Content and sends the picture back with the
// revised prompt as its text.
func (g *Gateway) handleImage(ctx context.Context, msg bus.InboundMessage) thread.Outcome {
	logger := zerolog.Ctx(ctx)
	reply := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, ReplyTo: msg.ID}

	if g.images == nil {
		reply.Content, reply.Failed = ImageUnavailableReply, true
		g.publish(ctx, reply)
		return thread.OutcomeIgnored
	}

	start := time.Now()
	img, err := g.images.Generate(ctx, msg.Content)
	g.metrics.ObserveCompletion("image", time.Since(start), err)
	if err != nil {
		logger.Error().Err(err).Msg("image generation")
		reply.Content, reply.Failed = thread.FailureReply, true
		g.publish(ctx, reply)
		return thread.OutcomeCompletionFailed
	}

	reply.Content = img.RevisedPrompt
	reply.Files = []bus.File{{
		Name:        "image." + strings.TrimPrefix(img.ContentType, "image/"),
		ContentType: img.ContentType,
		Description: img.RevisedPrompt,
		Data:        img.Data,
	}}
	if !g.publish(ctx, reply) {
		return thread.OutcomeSendFailed
	}
	logger.Info().Int("bytes", len(img.Data)).Msg("image generated")
	return thread.OutcomeReplied
}

func (g *Gateway) publish(ctx context.Context, msg bus.OutboundMessage) bool {
	if err := g.bus.PublishOutbound(ctx, msg); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("drop outbound message")
		return false
	}
	return true
}

// Shutdown stops background services, waits up to shutdownTimeout for
// running turns, flushes their replies, then stops the channels.
func (g *Gateway) Shutdown() error {
	logger := log.With().Str("component", "gateway").Logger()
	g.cron.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.admin.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("admin shutdown")
	}

	waited := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		logger.Warn().Msg("timed out waiting for running turns")
	}

	if g.stopDispatch != nil {
		g.stopDispatch()
		if n := g.bus.DrainOutbound(); n > 0 {
			logger.Debug().Int("messages", n).Msg("flushed outbound queue")
		}
	}
	_ = g.channels.StopAll()
	logger.Info().Msg("shutdown complete")
	return nil
}

// timedCompleter records completion latency for thread turns.
type timedCompleter struct {
	Completer
	metrics *metrics.Metrics
}

func (t *timedCompleter) Complete(ctx context.Context, user, assistant []thread.Turn) (string, error) {
	start := time.Now()
	out, err := t.Completer.Complete(ctx, user, assistant)
	t.metrics.ObserveCompletion("thread", time.Since(start), err)
	return out, err
}
