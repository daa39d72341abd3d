package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway/cache"
)

// Fallback type labels carried in Response.FallbackType.
const (
	FallbackTemplate = "template"
	FallbackGuidance = "guidance"
	FallbackCache    = "cache"
	FallbackCanned   = "canned"
)

// cannedMessages is the fixed pool used when nothing better matches.
var cannedMessages = []string{
	"The AI assistant is temporarily unavailable. Your code execution features still work normally, so please try asking again in a moment.",
	"I'm having trouble reaching my AI backends right now. Please retry shortly; in the meantime you can keep running code as usual.",
	"AI responses are briefly offline while we recover a provider connection. Try again in a minute.",
	"I can't generate a full answer at the moment. Your request has been noted, please ask again soon.",
}

// fallbackTemplate pairs trigger keywords with a deterministic reply.
type fallbackTemplate struct {
	keywords   []string
	response   string
	confidence float64
}

var defaultTemplates = []fallbackTemplate{
	{
		keywords:   []string{"hello", "hi ", "hey"},
		response:   "Hello! I'm currently running in offline mode, but I'm happy to help with your code. Try running it in the sandbox, and ask me again later for a full AI answer.",
		confidence: 0.7,
	},
	{
		keywords:   []string{"error", "exception", "traceback", "stack trace"},
		response:   "It looks like you hit an error. Common first steps: read the last line of the message for the failing symbol, check line numbers it references, and re-run with a smaller input. I can give a deeper analysis once the AI backends are reachable again.",
		confidence: 0.6,
	},
	{
		keywords:   []string{"how do i", "how to", "how can i"},
		response:   "I can't reach my AI backends right now, so here is general guidance: break the task into the smallest step that can run on its own, verify it in the sandbox, then build up. Ask again shortly for a tailored answer.",
		confidence: 0.5,
	},
	{
		keywords:   []string{"thanks", "thank you"},
		response:   "You're welcome! Happy coding.",
		confidence: 0.8,
	},
}

const guidanceText = "The AI service is temporarily unavailable, so this is automated guidance rather than a model answer: describe the problem precisely, isolate the smallest failing case, and test each assumption in the sandbox. Your question will get a full answer once a provider recovers."

// FallbackGenerator produces a response without contacting any provider.
// Generate never fails.
type FallbackGenerator struct {
	cache     *cache.ResponseCache
	templates []fallbackTemplate
	logger    *zap.Logger
}

// NewFallbackGenerator creates a generator. c may be nil when no cache tier is
// available for lookups.
func NewFallbackGenerator(c *cache.ResponseCache, logger *zap.Logger) *FallbackGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackGenerator{
		cache:     c,
		templates: defaultTemplates,
		logger:    logger.With(zap.String("component", "fallback_generator")),
	}
}

// Generate returns the best offline response for message: a cached answer to
// the same question when one exists, then a keyword template, then generic
// guidance for question-shaped messages, then a canned notice.
func (g *FallbackGenerator) Generate(ctx context.Context, message string, reqContext map[string]any) *Response {
	start := time.Now()
	resp := g.generate(ctx, message, reqContext)
	resp.IsFallback = true
	resp.Provider = "fallback"
	resp.Latency = time.Since(start)
	if resp.RequestID == "" {
		resp.RequestID = uuid.NewString()
	}
	g.logger.Debug("fallback response generated",
		zap.String("type", resp.FallbackType),
		zap.Float64("confidence", resp.Confidence),
	)
	return resp
}

func (g *FallbackGenerator) generate(ctx context.Context, message string, reqContext map[string]any) *Response {
	if g.cache != nil {
		if raw, err := g.cache.Get(ctx, cache.Key(message, reqContext)); err == nil {
			cached := decodeResponse(raw)
			if cached != nil && cached.Content != "" {
				return &Response{
					Content:      cached.Content + "\n\n(Note: this is a previously cached answer; the AI service is currently unavailable.)",
					FallbackType: FallbackCache,
					Confidence:   0.9,
				}
			}
		}
	}

	lower := strings.ToLower(message)
	for _, t := range g.templates {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				return &Response{
					Content:      t.response,
					FallbackType: FallbackTemplate,
					Confidence:   t.confidence,
				}
			}
		}
	}

	if strings.Contains(lower, "?") || strings.HasPrefix(lower, "why") || strings.HasPrefix(lower, "what") {
		return &Response{
			Content:      guidanceText,
			FallbackType: FallbackGuidance,
			Confidence:   0.4,
		}
	}

	return &Response{
		Content:      cannedMessages[rand.Intn(len(cannedMessages))],
		FallbackType: FallbackCanned,
		Confidence:   0.2,
	}
}

// CannedResponse returns a random canned notice, used when fallback
// generation is disabled entirely.
func CannedResponse() *Response {
	return &Response{
		Content:      cannedMessages[rand.Intn(len(cannedMessages))],
		Provider:     "fallback",
		RequestID:    uuid.NewString(),
		IsFallback:   true,
		FallbackType: FallbackCanned,
		Confidence:   0.2,
	}
}

func decodeResponse(raw []byte) *Response {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}
