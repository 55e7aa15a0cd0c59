package reasoning

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

type fakeModels struct {
	text     string
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(f.text, genai.RoleModel)}},
	}, nil
}

func newTestGemini(models generator) *Gemini {
	cfg := DefaultConfig()
	cfg.APIKey = "k"
	cfg.Apply()
	return newGemini(cfg, models)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestVoiceFor(t *testing.T) {
	tests := []struct {
		score float64
		voice string
		speed float64
		pitch float64
		mod   float64
	}{
		{0, VoiceNeutral, 1.0, 0, 0},
		{0.5, VoicePositive, 1.2, 0.6, 0.75},
		{-0.8, VoiceNegative, 1.32, -0.96, 1.2},
		{0.3, VoicePositive, 1.12, 0.36, 0.45},
		{-0.29, VoiceNeutral, 1.116, -0.348, 0.435},
	}
	for _, tt := range tests {
		got := VoiceFor(voice.Sentiment{Score: tt.score})
		if got.Voice != tt.voice || !approx(got.Speed, tt.speed) || !approx(got.Pitch, tt.pitch) || !approx(got.Modulation, tt.mod) {
			t.Errorf("VoiceFor(%v) = %+v", tt.score, got)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Run("negative caller", func(t *testing.T) {
		req := voice.Request{
			Transcript: voice.Transcript{Text: "this is useless", Sentiment: &voice.Sentiment{Score: -0.7}},
			History:    make([]voice.Turn, 3),
			Metadata:   map[string]string{"technical_level": "expert"},
		}
		p := BuildPrompt(req, []string{"Warranty: 1-year limited warranty"})
		for _, want := range []string{
			"Technical Level: expert",
			"Previous Interactions: 3",
			"Strength: 0.70",
			"Polarity: Negative",
			"(negative sentiment)",
			"acknowledge and empathize",
			"expert-level language",
			"Suggest escalation option",
			"- Warranty: 1-year limited warranty",
			HandoffMarker,
		} {
			if !strings.Contains(p, want) {
				t.Errorf("prompt missing %q", want)
			}
		}
	})

	t.Run("missing sentiment is neutral", func(t *testing.T) {
		p := BuildPrompt(voice.Request{Transcript: voice.Transcript{Text: "hello"}}, nil)
		for _, want := range []string{"(neutral sentiment)", "Technical Level: unknown", "beginner-level", "confirm understanding", "Offer additional help"} {
			if !strings.Contains(p, want) {
				t.Errorf("prompt missing %q", want)
			}
		}
	})
}

func TestParseReply(t *testing.T) {
	text, handoff := ParseReply("  Let me transfer you. [HANDOFF] ")
	if !handoff || text != "Let me transfer you." {
		t.Errorf("ParseReply() = %q, %v", text, handoff)
	}
	text, handoff = ParseReply("Sure thing.")
	if handoff || text != "Sure thing." {
		t.Errorf("ParseReply() = %q, %v", text, handoff)
	}
}

func TestNormalizeQuery(t *testing.T) {
	if got := NormalizeQuery("  How do I RESET my device?! "); got != "how do i reset my device" {
		t.Errorf("NormalizeQuery() = %q", got)
	}
}

type countingSource struct {
	calls int
	err   error
}

func (c *countingSource) Articles(context.Context, string) ([]string, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []string{"article"}, nil
}

func TestKnowledgeCache(t *testing.T) {
	t.Run("hits within TTL and expires after", func(t *testing.T) {
		src := &countingSource{}
		c := NewKnowledgeCache(src, 50*time.Millisecond, nil)

		c.Lookup(context.Background(), "Reset device?")
		c.Lookup(context.Background(), "reset DEVICE")
		if src.calls != 1 {
			t.Errorf("source calls = %d, want 1", src.calls)
		}

		time.Sleep(100 * time.Millisecond)
		c.Lookup(context.Background(), "reset device")
		if src.calls != 2 {
			t.Errorf("source calls after expiry = %d, want 2", src.calls)
		}
		if c.Len() != 1 {
			t.Errorf("Len() = %d, want 1", c.Len())
		}
	})

	t.Run("hits do not extend the TTL", func(t *testing.T) {
		src := &countingSource{}
		c := NewKnowledgeCache(src, 150*time.Millisecond, nil)

		c.Lookup(context.Background(), "warranty")
		time.Sleep(100 * time.Millisecond)
		c.Lookup(context.Background(), "warranty")
		time.Sleep(100 * time.Millisecond)
		c.Lookup(context.Background(), "warranty")
		if src.calls != 2 {
			t.Errorf("source calls = %d, want 2", src.calls)
		}
	})

	t.Run("errors fall back", func(t *testing.T) {
		c := NewKnowledgeCache(&countingSource{err: errors.New("down")}, time.Hour, nil)
		got := c.Lookup(context.Background(), "x")
		if len(got) != 1 || got[0] != FallbackArticles[0] {
			t.Errorf("Lookup() = %v", got)
		}
		if c.Len() != 0 {
			t.Error("failed lookups should not be cached")
		}
	})
}

func TestGeminiRespond(t *testing.T) {
	t.Run("reply with voice", func(t *testing.T) {
		f := &fakeModels{text: "Sorry about that. Hold power for 10 seconds."}
		g := newTestGemini(f)

		reply, err := g.Respond(context.Background(), voice.Request{
			SessionID:  "ssid_a",
			Transcript: voice.Transcript{Text: "my device froze", Sentiment: &voice.Sentiment{Score: -0.5}},
			History: []voice.Turn{
				{Source: voice.SourceCustomer, Text: "hi"},
				{Source: voice.SourceAI, Text: "hello"},
			},
		})
		if err != nil {
			t.Fatalf("Respond() error = %v", err)
		}
		if reply.Text != f.text || reply.Voice.Voice != VoiceNegative || reply.Update.RequiresHandoff {
			t.Errorf("Respond() = %+v", reply)
		}
		if f.model != "gemini-2.0-flash" || f.config.MaxOutputTokens != 150 {
			t.Errorf("model = %q config = %+v", f.model, f.config)
		}
		if len(f.contents) != 3 || f.contents[1].Role != genai.RoleModel {
			t.Errorf("contents = %d", len(f.contents))
		}
	})

	t.Run("handoff marker", func(t *testing.T) {
		g := newTestGemini(&fakeModels{text: "Connecting you now. [HANDOFF]"})
		reply, err := g.Respond(context.Background(), voice.Request{Transcript: voice.Transcript{Text: "human please"}})
		if err != nil {
			t.Fatalf("Respond() error = %v", err)
		}
		if !reply.Update.RequiresHandoff || reply.Text != "Connecting you now." {
			t.Errorf("Respond() = %+v", reply)
		}
	})

	t.Run("empty reply", func(t *testing.T) {
		g := newTestGemini(&fakeModels{text: "  "})
		if _, err := g.Respond(context.Background(), voice.Request{}); !errors.Is(err, ErrEmptyResponse) {
			t.Errorf("Respond() error = %v", err)
		}
	})

	t.Run("backend error wraps", func(t *testing.T) {
		cause := errors.New("quota")
		g := newTestGemini(&fakeModels{err: cause})
		if _, err := g.Respond(context.Background(), voice.Request{}); !errors.Is(err, cause) {
			t.Errorf("Respond() error = %v", err)
		}
	})
}

func TestNewGeminiRequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("NewGemini() error = %v", err)
	}
}
