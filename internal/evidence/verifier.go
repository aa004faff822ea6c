package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/medrag/internal/llm"
)

// Entailment labels.
const (
	LabelEntailment    = "entailment"
	LabelContradiction = "contradiction"
	LabelNeutral       = "neutral"
)

// FallbackConfidence is reported with LabelNeutral when no usable judgement is available.
const FallbackConfidence = 0.5

// Verdict is the outcome of checking a claim against context.
type Verdict struct {
	Label      string  `json:"entailment"`
	Confidence float64 `json:"confidence"`
}

// Verifier judges whether a context entails, contradicts or is neutral towards a claim.
type Verifier struct {
	llmClient llm.LLM
	model     string
	logger    *slog.Logger
}

// NewVerifier creates a verifier. A nil llmClient makes every verdict the neutral fallback.
func NewVerifier(llmClient llm.LLM, model string) *Verifier {
	return &Verifier{
		llmClient: llmClient,
		model:     model,
		logger:    slog.Default().With("component", "verifier"),
	}
}

type verdictResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Verify returns the verdict for claim given the passage. Model output that cannot be
// parsed yields the neutral fallback; transport errors are returned.
func (v *Verifier) Verify(ctx context.Context, claim, passage string) (Verdict, error) {
	claim, passage = clip(claim), clip(passage)
	if claim == "" || passage == "" {
		return Verdict{}, ErrEmptyInput
	}

	fallback := Verdict{Label: LabelNeutral, Confidence: FallbackConfidence}
	if v.llmClient == nil {
		return fallback, nil
	}

	prompt := fmt.Sprintf(`You are a natural language inference system for biomedical evidence.
Decide whether the PREMISE entails, contradicts, or is neutral towards the HYPOTHESIS.

PREMISE:
%s

HYPOTHESIS:
%s

Output ONLY valid JSON in this exact format:
{"label": "entailment" | "contradiction" | "neutral", "confidence": 0.0-1.0}`, passage, claim)

	response, err := v.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       v.model,
		Temperature: 0,
		MaxTokens:   128,
		JSON:        true,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("verifying claim: %w", err)
	}

	var parsed verdictResponse
	if err := llm.DecodeJSON(response, &parsed); err != nil {
		v.logger.Warn("unparseable verdict, using fallback", "error", err)
		return fallback, nil
	}

	label := strings.ToLower(strings.TrimSpace(parsed.Label))
	switch label {
	case LabelEntailment, LabelContradiction, LabelNeutral:
	default:
		v.logger.Warn("unknown verdict label, using fallback", "label", parsed.Label)
		return fallback, nil
	}

	verdict := Verdict{Label: label, Confidence: min(max(parsed.Confidence, 0), 1)}
	v.logger.Info("verified claim", "label", verdict.Label, "confidence", verdict.Confidence)
	return verdict, nil
}
