package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	calls []string
	out   string
	err   error
}

func (c *recordingClient) Complete(_ context.Context, taskTag, _ string) (string, error) {
	c.calls = append(c.calls, taskTag)
	return c.out, c.err
}

func TestRouterModes(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled always stubs", func(t *testing.T) {
		model := &recordingClient{out: `{"from":"model"}`}
		r := NewRouter(ModeDisabled, model, []string{TaskAssignRerank})
		out, err := r.Complete(ctx, TaskAssignRerank, "p")
		require.NoError(t, err)
		assert.Equal(t, `{"order":[]}`, out)
		assert.Empty(t, model.calls)
	})

	t.Run("basic uses model only for whitelisted tags", func(t *testing.T) {
		model := &recordingClient{out: `{"from":"model"}`}
		r := NewRouter(ModeBasic, model, []string{TaskAssignRerank})

		out, err := r.Complete(ctx, TaskAssignRerank, "p")
		require.NoError(t, err)
		assert.Equal(t, `{"from":"model"}`, out)

		out, err = r.Complete(ctx, TaskBlueprintGenerate, "p")
		require.NoError(t, err)
		assert.Equal(t, `{}`, out)
		assert.Equal(t, []string{TaskAssignRerank}, model.calls)
	})

	t.Run("full uses model for everything", func(t *testing.T) {
		model := &recordingClient{out: `{"from":"model"}`}
		r := NewRouter(ModeFull, model, nil)
		_, err := r.Complete(ctx, TaskBlueprintCritique, "p")
		require.NoError(t, err)
		assert.Equal(t, []string{TaskBlueprintCritique}, model.calls)
	})

	t.Run("nil model stubs regardless of mode", func(t *testing.T) {
		r := NewRouter(ModeFull, nil, nil)
		out, err := r.Complete(ctx, TaskBlueprintCritique, "p")
		require.NoError(t, err)
		assert.Equal(t, `{"issues":[],"score":1.0}`, out)
	})

	t.Run("model errors propagate", func(t *testing.T) {
		model := &recordingClient{err: errors.New("rate limited")}
		r := NewRouter(ModeFull, model, nil)
		_, err := r.Complete(ctx, TaskBlueprintGenerate, "p")
		require.Error(t, err)
	})
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("  {\"a\":1}  "))
	assert.Equal(t, `{"a":1}`, StripFences("Here you go:\n```json\n{\"a\":1}\n```\nLet me know!"))
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"a\": 3}\n```", &v))
	assert.Equal(t, 3, v.A)

	assert.Error(t, DecodeJSON(`{"a": 3} extra`, &v))
	assert.Error(t, DecodeJSON(`{"a": `, &v))
	assert.Error(t, DecodeJSON(``, &v))
}

func TestRedact(t *testing.T) {
	in := `used sk-abcdef1234567890 with api_key=topsecret123 and API-KEY: other456`
	out := Redact(in)
	assert.NotContains(t, out, "abcdef1234567890")
	assert.NotContains(t, out, "topsecret123")
	assert.NotContains(t, out, "other456")
	assert.Contains(t, out, "sk-[REDACTED]")
}
