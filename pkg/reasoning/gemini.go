package reasoning

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// generator is the subset of genai.Models used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini implements voice.Reasoner with Google Gemini.
type Gemini struct {
	config    Config
	models    generator
	knowledge *KnowledgeCache
	logger    *zap.Logger
}

// NewGemini creates a Gemini reasoner.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning: create client: %w", err)
	}
	return newGemini(cfg, client.Models), nil
}

func newGemini(cfg Config, models generator) *Gemini {
	return &Gemini{
		config:    cfg,
		models:    models,
		knowledge: NewKnowledgeCache(cfg.Knowledge, cfg.KnowledgeTTL, cfg.Logger),
		logger:    cfg.Logger.With(zap.String("component", "reasoning")),
	}
}

// Respond asks the model for a reply to req.
func (g *Gemini) Respond(ctx context.Context, req voice.Request) (voice.Reply, error) {
	sentiment := NormalizeSentiment(req.Transcript.Sentiment)
	articles := g.knowledge.Lookup(ctx, req.Transcript.Text)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildPrompt(req, articles), genai.RoleUser),
		Temperature:       genai.Ptr(g.config.Temperature),
		MaxOutputTokens:   g.config.MaxTokens,
	}

	resp, err := g.models.GenerateContent(ctx, g.config.Model, g.contents(req), cfg)
	if err != nil {
		return voice.Reply{}, fmt.Errorf("reasoning: generate: %w", err)
	}

	text, handoff := ParseReply(resp.Text())
	if text == "" && !handoff {
		return voice.Reply{}, ErrEmptyResponse
	}

	g.logger.Debug("reply generated",
		zap.String("session", req.SessionID),
		zap.String("sentiment", sentiment.Label()),
		zap.Bool("handoff", handoff),
	)

	return voice.Reply{
		Text:   text,
		Voice:  VoiceFor(sentiment),
		Update: voice.ContextUpdate{RequiresHandoff: handoff},
	}, nil
}

// contents renders recent history followed by the current utterance.
func (g *Gemini) contents(req voice.Request) []*genai.Content {
	history := req.History
	if n := g.config.HistoryTurns; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	out := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		role := genai.Role(genai.RoleUser)
		if t.Source == voice.SourceAI {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(t.Text, role))
	}
	return append(out, genai.NewContentFromText(req.Transcript.Text, genai.RoleUser))
}

// Verify Gemini implements voice.Reasoner at compile time.
var _ voice.Reasoner = (*Gemini)(nil)
