package completion

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/stellarlinkco/threadbot/internal/config"
)

// ErrNoImage means the images endpoint answered without a picture.
var ErrNoImage = errors.New("image endpoint returned no image")

// Image is one generated picture.
type Image struct {
	Data          []byte
	ContentType   string
	RevisedPrompt string
}

// ImageAPI is the part of openai-go's ImageService the generator uses.
type ImageAPI interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// ImageGenerator renders prompts through the OpenAI images endpoint.
type ImageGenerator struct {
	api     ImageAPI
	model   string
	size    string
	quality string
}

// NewImageGenerator builds a generator for cfg. opts are applied after the
// key and base URL from cfg.
func NewImageGenerator(cfg config.ImageConfig, opts ...option.RequestOption) *ImageGenerator {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(append(base, opts...)...)
	return NewImageGeneratorWithAPI(&client.Images, cfg)
}

// NewImageGeneratorWithAPI wraps an existing images API (for testing).
func NewImageGeneratorWithAPI(api ImageAPI, cfg config.ImageConfig) *ImageGenerator {
	return &ImageGenerator{api: api, model: cfg.Model, size: cfg.Size, quality: cfg.Quality}
}

// Generate asks for a single image and returns its bytes.
func (g *ImageGenerator) Generate(ctx context.Context, prompt string) (Image, error) {
	params := openai.ImageGenerateParams{
		Prompt:  prompt,
		Model:   openai.ImageModel(g.model),
		N:       openai.Int(1),
		Size:    openai.ImageGenerateParamsSize(g.size),
		Quality: openai.ImageGenerateParamsQuality(g.quality),
	}
	// dall-e models default to hosted URLs; gpt-image models only return bytes.
	if strings.HasPrefix(g.model, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	res, err := g.api.Generate(ctx, params)
	if err != nil {
		return Image{}, errors.Wrap(err, "generate image")
	}
	if res == nil || len(res.Data) == 0 || res.Data[0].B64JSON == "" {
		return Image{}, ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(res.Data[0].B64JSON)
	if err != nil {
		return Image{}, errors.Wrap(err, "decode image")
	}

	contentType := "image/png"
	if res.OutputFormat != "" {
		contentType = "image/" + string(res.OutputFormat)
	}
	return Image{Data: data, ContentType: contentType, RevisedPrompt: res.Data[0].RevisedPrompt}, nil
}
