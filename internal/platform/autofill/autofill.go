// Package autofill drafts form sections from free-text clinical notes with a
// chat model.
package autofill

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

var (
	ErrNotConfigured = errors.New("autofill: no chat model configured")
	ErrInvalidFormat = errors.New("autofill: the AI service returned an invalid format")
	ErrEmptyInput    = errors.New("autofill: input text is required")
)

const systemPrompt = "You are an expert in medical forms and autofill. " +
	"Always respond ONLY with a valid JSON object that matches the provided form structure."

//go:embed template.json
var defaultTemplate []byte

// DefaultTemplate returns a fresh copy of the blank form sent to the model
// when the caller has no template of its own.
func DefaultTemplate() (map[string]any, error) {
	var t map[string]any
	if err := sonic.Unmarshal(defaultTemplate, &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Filler asks a chat model to fill a form template from text.
type Filler struct {
	chatModel model.BaseChatModel
	log       zerolog.Logger
}

func New(chatModel model.BaseChatModel, logger zerolog.Logger) *Filler {
	return &Filler{chatModel: chatModel, log: logger}
}

// NewOpenAI builds a Filler backed by an OpenAI-compatible endpoint. An empty
// API key yields ErrNotConfigured.
func NewOpenAI(ctx context.Context, cfg Config, logger zerolog.Logger) (*Filler, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return New(cm, logger), nil
}

// Fill returns the model's filled-in form. A nil template uses
// DefaultTemplate.
func (f *Filler) Fill(ctx context.Context, text string, template map[string]any) (map[string]any, error) {
	if f == nil || f.chatModel == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if template == nil {
		t, err := DefaultTemplate()
		if err != nil {
			return nil, err
		}
		template = t
	}
	form, err := sonic.MarshalString(template)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf(
			"Given the following text, fill out the medical intake form fields. "+
				"Respond only with a valid JSON object matching the structure. Text: %s. Form: %s",
			text, form)),
	}
	resp, err := f.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("call model failed: %w", err)
	}
	out, err := Parse(resp.Content)
	if err != nil {
		f.log.Warn().Err(err).Int("reply_len", len(resp.Content)).Msg("autofill reply rejected")
		return nil, err
	}
	f.log.Debug().Int("sections", len(out)).Msg("autofill reply parsed")
	return out, nil
}

var (
	openFence  = regexp.MustCompile("(?i)^\\s*```(?:json)?\\s*")
	closeFence = regexp.MustCompile("\\s*```\\s*$")
)

// Parse strips an optional markdown code fence and decodes the JSON object
// inside.
func Parse(content string) (map[string]any, error) {
	s := openFence.ReplaceAllString(content, "")
	s = closeFence.ReplaceAllString(s, "")
	var out map[string]any
	if err := sonic.UnmarshalString(s, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidFormat)
	}
	return out, nil
}

// Sections keeps the entries of a reply that are objects, keyed by section
// id. Anything else the model returned is dropped.
func Sections(reply map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(reply))
	for id, v := range reply {
		if m, ok := v.(map[string]any); ok {
			out[id] = m
		}
	}
	return out
}
