package autofill

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	reply string
	err   error
	got   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.got = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestParse_StripsFences(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bare", `{"header":{"claimantName":"Jane"}}`},
		{"json fence", "```json\n{\"header\":{\"claimantName\":\"Jane\"}}\n```"},
		{"upper fence", "  ```JSON\n{\"header\":{\"claimantName\":\"Jane\"}}```  "},
		{"plain fence", "```\n{\"header\":{\"claimantName\":\"Jane\"}}\n```\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Parse(tt.content)
			require.NoError(t, err)
			header, ok := out["header"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "Jane", header["claimantName"])
		})
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	for _, content := range []string{"", "Sorry, I cannot help.", "[1,2]", "null"} {
		_, err := Parse(content)
		assert.ErrorIs(t, err, ErrInvalidFormat, "content %q", content)
	}
}

func TestFill_SendsPromptAndParsesReply(t *testing.T) {
	fake := &fakeChatModel{reply: "```json\n{\"history\":{\"age\":54},\"note\":\"x\"}\n```"}
	f := New(fake, zerolog.Nop())

	out, err := f.Fill(context.Background(), "54 year old female with back pain", map[string]any{"history": map[string]any{"age": nil}})
	require.NoError(t, err)

	require.Len(t, fake.got, 2)
	assert.Equal(t, schema.System, fake.got[0].Role)
	assert.Contains(t, fake.got[0].Content, "expert in medical forms")
	assert.Equal(t, schema.User, fake.got[1].Role)
	assert.Contains(t, fake.got[1].Content, "Text: 54 year old female with back pain.")
	assert.Contains(t, fake.got[1].Content, `Form: {"history":{"age":null}}`)

	sections := Sections(out)
	assert.Equal(t, map[string]map[string]any{"history": {"age": float64(54)}}, sections)
}

func TestFill_DefaultTemplate(t *testing.T) {
	fake := &fakeChatModel{reply: `{}`}
	_, err := New(fake, zerolog.Nop()).Fill(context.Background(), "notes", nil)
	require.NoError(t, err)
	assert.Contains(t, fake.got[1].Content, `"claimantName"`)

	tmpl, err := DefaultTemplate()
	require.NoError(t, err)
	assert.Contains(t, tmpl, "assessment")
}

func TestFill_Errors(t *testing.T) {
	ctx := context.Background()

	var nilFiller *Filler
	_, err := nilFiller.Fill(ctx, "text", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(&fakeChatModel{}, zerolog.Nop()).Fill(ctx, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	upstream := errors.New("upstream down")
	_, err = New(&fakeChatModel{err: upstream}, zerolog.Nop()).Fill(ctx, "text", nil)
	assert.ErrorIs(t, err, upstream)

	_, err = New(&fakeChatModel{reply: "not json"}, zerolog.Nop()).Fill(ctx, "text", nil)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = NewOpenAI(ctx, Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFill_Live(t *testing.T) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		t.Skip("set OPENAI_API_KEY to run live LLM tests")
	}
	f, err := NewOpenAI(context.Background(), Config{APIKey: key, Model: "gpt-4o", BaseURL: os.Getenv("OPENAI_BASE_URL")}, zerolog.Nop())
	require.NoError(t, err)

	out, err := f.Fill(context.Background(), "Jane Doe, 54 year old female, right handed, chronic low back pain.", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, Sections(out))
}
