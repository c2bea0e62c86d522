package normalize

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	text  string
	err   error
	calls int
	model string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.model = model
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: f.text}}}},
		},
	}, nil
}

func TestAIResolver(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n{\"merchant\": \"Blue Bottle Coffee, Inc.\", \"category\": \"Coffee\", \"confidence\": 0.92}\n```"}
	r := NewAIResolver(gen, AIConfig{MinConfidence: 0.5})

	res, ok, err := r.Resolve(context.Background(), "u1", "BB COFFEE ROASTERS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BLUE BOTTLE COFFEE", res.Key)
	assert.Equal(t, "coffee", res.Category)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, SourceAI, res.Source)
	assert.Equal(t, DefaultModelName, gen.model)
}

func TestAIResolver_NoOpinion(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"error", &fakeGenerator{err: errors.New("quota exceeded")}},
		{"not json", &fakeGenerator{text: "I think it is a coffee shop"}},
		{"unsure", &fakeGenerator{text: `{"merchant": "Blue Bottle", "confidence": 0.2}`}},
		{"blank merchant", &fakeGenerator{text: `{"merchant": "", "confidence": 0.9}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewAIResolver(tt.gen, AIConfig{MinConfidence: 0.5})
			_, ok, err := r.Resolve(context.Background(), "u1", "BB COFFEE")
			assert.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestAIResolver_BreakerOpens(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("unavailable")}
	r := NewAIResolver(gen, AIConfig{})

	for i := 0; i < 5; i++ {
		_, ok, err := r.Resolve(context.Background(), "u1", "BB COFFEE")
		require.NoError(t, err)
		require.False(t, ok)
	}
	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, gobreaker.StateOpen, r.State())
}

func TestCleanModelJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanModelJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanModelJSON(`Sure! {"a":1} Hope this helps.`))
	assert.Equal(t, "plain", cleanModelJSON("  plain "))
}
