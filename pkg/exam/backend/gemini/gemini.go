// Package gemini implements the conversation backend and scoring engine on
// the Gemini API. The lite tier maps to flash-lite and the advanced tier to
// flash; tier-to-model resolution lives here and nowhere else.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/types"
)

const (
	defaultLiteModel     = "gemini-2.5-flash-lite"
	defaultAdvancedModel = "gemini-2.5-flash"
	defaultScoringModel  = "gemini-2.5-flash"
)

type Config struct {
	APIKey        string
	LiteModel     string
	AdvancedModel string
	ScoringModel  string
}

// Client serves both the Conversation and Scorer interfaces over one genai
// client. It holds no per-session state and is safe for concurrent use.
type Client struct {
	client        *genai.Client
	liteModel     string
	advancedModel string
	scoringModel  string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if cfg.LiteModel == "" {
		cfg.LiteModel = defaultLiteModel
	}
	if cfg.AdvancedModel == "" {
		cfg.AdvancedModel = defaultAdvancedModel
	}
	if cfg.ScoringModel == "" {
		cfg.ScoringModel = defaultScoringModel
	}
	return &Client{
		client:        client,
		liteModel:     cfg.LiteModel,
		advancedModel: cfg.AdvancedModel,
		scoringModel:  cfg.ScoringModel,
	}, nil
}

func (c *Client) modelFor(tier types.Tier) string {
	if tier == types.TierAdvanced {
		return c.advancedModel
	}
	return c.liteModel
}

// Converse sends the turn history to the tier's model and returns the next
// assistant utterance.
func (c *Client) Converse(ctx context.Context, req backend.Request) (backend.Response, error) {
	if len(req.History) == 0 {
		return backend.Response{}, backend.NewInvalidRequestError("empty turn history")
	}

	contents := make([]*genai.Content, 0, len(req.History))
	for _, turn := range req.History {
		switch turn.Speaker {
		case types.SpeakerUser:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		case types.SpeakerAssistant:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		}
	}
	if len(contents) == 0 {
		return backend.Response{}, backend.NewInvalidRequestError("history holds no conversational turns")
	}

	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.Instructions) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Instructions, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.modelFor(req.Tier), contents, cfg)
	if err != nil {
		return backend.Response{}, backend.NewUnavailableError("generate content", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return backend.Response{}, backend.NewUnavailableError("model returned no text", nil)
	}
	return backend.Response{Text: text}, nil
}

const scoringInstructions = `You are a certified oral-assessment rater. You receive the full transcript of
a spoken examination: an interview segment, an individual long turn, and a
two-way discussion. Rate the candidate on fluency and coherence, lexical
resource, grammatical range and accuracy, and pronunciation as inferable from
the transcript. Reply with a single line "BAND: <0.0-9.0>" followed by a
short paragraph of feedback addressed to the candidate.`

// Score grades a completed transcript once.
func (c *Client) Score(ctx context.Context, sessionID string, transcript []types.Turn) (backend.Assessment, error) {
	if len(transcript) == 0 {
		return backend.Assessment{}, backend.NewInvalidRequestError("empty transcript")
	}

	var b strings.Builder
	for _, turn := range transcript {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Speaker, turn.Text)
	}

	contents := []*genai.Content{genai.NewContentFromText(b.String(), genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(scoringInstructions, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.scoringModel, contents, cfg)
	if err != nil {
		return backend.Assessment{}, backend.NewUnavailableError("score transcript", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return backend.Assessment{}, backend.NewUnavailableError("scorer returned no text", nil)
	}
	return parseAssessment(text), nil
}

func parseAssessment(text string) backend.Assessment {
	out := backend.Assessment{Feedback: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "BAND:")
		if !ok {
			continue
		}
		var band float64
		if _, err := fmt.Sscanf(strings.TrimSpace(rest), "%f", &band); err == nil {
			out.OverallBand = band
		}
		break
	}
	return out
}
