package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/genai"

	"github.com/cleared-dev/recur/internal/logger"
)

// DefaultModelName is the Gemini model used for merchant enrichment.
const DefaultModelName = "gemini-2.5-flash"

// Generator is the subset of the genai models client the AI resolver uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// AIConfig configures the AI resolver.
type AIConfig struct {
	Model   string
	Timeout time.Duration
	// MinConfidence discards answers the model is unsure about.
	MinConfidence float64
}

// AIResolver asks a language model for the merchant behind a description.
// It is consulted only on alias misses and never fails a run: errors, open
// breaker, timeouts and unparsable answers all mean "no opinion".
type AIResolver struct {
	gen Generator
	cfg AIConfig
	cb  *gobreaker.CircuitBreaker
}

// NewAIResolver wraps gen with a circuit breaker.
func NewAIResolver(gen Generator, cfg AIConfig) *AIResolver {
	if cfg.Model == "" {
		cfg.Model = DefaultModelName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	r := &AIResolver{gen: gen, cfg: cfg}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "merchant-ai",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return r
}

// NewGeminiResolver creates an AIResolver backed by the Gemini API.
func NewGeminiResolver(ctx context.Context, apiKey string, cfg AIConfig) (*AIResolver, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return NewAIResolver(client.Models, cfg), nil
}

// State returns the breaker state, for diagnostics.
func (r *AIResolver) State() gobreaker.State {
	return r.cb.State()
}

type aiAnswer struct {
	Merchant   string  `json:"merchant"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

const aiPrompt = "You normalize bank transaction descriptions.\n" +
	"Given the description below, name the merchant that charged it.\n" +
	"Return ONLY raw JSON of the form " +
	`{"merchant": "...", "category": "...", "confidence": 0.0}` + ".\n" +
	"Use the merchant's common brand name without store numbers or locations.\n" +
	"confidence is your certainty between 0 and 1.\n\n" +
	"Description: "

// Resolve implements MerchantResolver. The returned key is cleaned like
// any other description.
func (r *AIResolver) Resolve(ctx context.Context, _ string, cleaned string) (Resolution, bool, error) {
	log := logger.FromContext(ctx)

	out, err := r.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		contents := []*genai.Content{
			{Role: "user", Parts: []*genai.Part{{Text: aiPrompt + cleaned}}},
		}
		resp, err := r.gen.GenerateContent(callCtx, r.cfg.Model, contents, nil)
		if err != nil {
			return nil, err
		}
		text := resp.Text()
		if text == "" {
			return nil, fmt.Errorf("empty response from model")
		}
		var ans aiAnswer
		if err := json.Unmarshal([]byte(cleanModelJSON(text)), &ans); err != nil {
			return nil, fmt.Errorf("unmarshal answer: %w", err)
		}
		return ans, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("merchant", cleaned).Msg("AI resolver unavailable")
		return Resolution{}, false, nil
	}

	ans := out.(aiAnswer)
	key := Clean(ans.Merchant)
	if key == "" || ans.Confidence < r.cfg.MinConfidence {
		return Resolution{}, false, nil
	}
	return Resolution{
		Cleaned:    cleaned,
		Key:        key,
		Confidence: clamp(ans.Confidence),
		Source:     SourceAI,
		Category:   strings.ToLower(strings.TrimSpace(ans.Category)),
	}, true, nil
}

// cleanModelJSON strips Markdown fences and any text around the JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
