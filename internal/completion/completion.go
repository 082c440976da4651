// Package completion turns reconstructed conversation turns into a model
// request and returns the reply text.
package completion

import (
	"context"
	"path"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/pkg/errors"

	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

// MaxImageSize is the largest image attachment forwarded to the model.
const MaxImageSize = 20_000_000

var acceptedImageTypes = map[string]struct{}{
	"png":  {},
	"jpeg": {},
	"jpg":  {},
	"gif":  {},
	"webp": {},
}

// ErrEmptyReply means the model answered without any text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Model is the part of agentsdk-go's model.Model the client needs.
type Model interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// Client calls the model with a fixed system instruction.
type Client struct {
	provider    model.Provider
	system      string
	modelName   string
	maxTokens   int
	temperature *float64
}

// New builds a client that resolves its model from provider on each call.
func New(provider model.Provider, cfg config.AgentConfig) *Client {
	return &Client{
		provider:    provider,
		system:      cfg.Instructions,
		modelName:   cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// NewWithModel builds a client around an already constructed model.
func NewWithModel(m Model, cfg config.AgentConfig) *Client {
	return New(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return modelAdapter{m}, nil
	}), cfg)
}

// NewProvider picks the agentsdk-go provider named by cfg.Provider.Type.
func NewProvider(cfg *config.Config) model.Provider {
	switch strings.ToLower(cfg.Provider.Type) {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}
}

// Complete sends the interleaved history to the model. user holds one more
// turn than assistant when a new question is pending.
func (c *Client) Complete(ctx context.Context, user, assistant []thread.Turn) (string, error) {
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolve model")
	}

	resp, err := mdl.Complete(ctx, model.Request{
		Messages:    Interleave(user, assistant),
		System:      c.system,
		Model:       c.modelName,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", errors.Wrap(err, "model completion")
	}
	if resp == nil {
		return "", ErrEmptyReply
	}
	text := resp.Message.Content
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// Chat is a one-shot completion without history.
func (c *Client) Chat(ctx context.Context, prompt, imageURL string) (string, error) {
	return c.Complete(ctx, []thread.Turn{{Text: prompt, ImageURL: imageURL}}, nil)
}

// AcceptImage reports whether a is an image the model can look at.
func (c *Client) AcceptImage(a thread.Attachment) bool {
	return AcceptImage(a)
}

// AcceptImage accepts png, jpeg, gif and webp images up to MaxImageSize,
// judged by content type or, failing that, file extension.
func AcceptImage(a thread.Attachment) bool {
	if a.Size > MaxImageSize {
		return false
	}
	if ct := strings.ToLower(a.ContentType); ct != "" {
		if sub, ok := strings.CutPrefix(ct, "image/"); ok {
			sub, _, _ = strings.Cut(sub, ";")
			_, ok := acceptedImageTypes[strings.TrimSpace(sub)]
			return ok
		}
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(a.Filename)), ".")
	_, ok := acceptedImageTypes[ext]
	return ok
}

// Interleave pairs user turn i with assistant turn i, in that order.
func Interleave(user, assistant []thread.Turn) []model.Message {
	out := make([]model.Message, 0, len(user)+len(assistant))
	for i, u := range user {
		out = append(out, userMessage(u))
		if i < len(assistant) {
			out = append(out, model.Message{Role: "assistant", Content: assistant[i].Text})
		}
	}
	return out
}

func userMessage(t thread.Turn) model.Message {
	if t.ImageURL == "" {
		return model.Message{Role: "user", Content: t.Text}
	}
	// Text is repeated in a block; providers ignore Content once blocks exist.
	return model.Message{
		Role:    "user",
		Content: t.Text,
		ContentBlocks: []model.ContentBlock{
			{Type: model.ContentBlockText, Text: t.Text},
			imageBlock(t.ImageURL),
		},
	}
}

// imageBlock references remote images by URL and inlines data URLs.
func imageBlock(ref string) model.ContentBlock {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok {
			if mediaType, ok := strings.CutSuffix(meta, ";base64"); ok {
				return model.ContentBlock{Type: model.ContentBlockImage, MediaType: mediaType, Data: data}
			}
		}
	}
	return model.ContentBlock{Type: model.ContentBlockImage, URL: ref}
}

type modelAdapter struct {
	Model
}

func (m modelAdapter) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}
