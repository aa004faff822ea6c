package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/medrag/internal/llm"
)

// Classification tasks.
const (
	TaskStudyType  = "study_type"
	TaskRiskOfBias = "risk_of_bias"
)

type task struct {
	labels   []string
	fallback string
	question string
}

var tasks = map[string]task{
	TaskStudyType: {
		labels:   []string{"RCT", "Cohort", "Case-Control", "Systematic Review", "Meta-Analysis", "Other"},
		fallback: "Other",
		question: "What is the design of the study described below?",
	},
	TaskRiskOfBias: {
		labels:   []string{"Low", "Moderate", "High", "Unclear"},
		fallback: "Unclear",
		question: "What is the risk of bias of the study described below, judged on randomization, blinding, attrition and selective reporting?",
	},
}

// Labels returns the label set of a task, or ErrUnknownTask.
func Labels(taskName string) ([]string, error) {
	t, ok := tasks[taskName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskName)
	}
	return append([]string(nil), t.labels...), nil
}

// Classification is a label with its probability and the full distribution.
type Classification struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	AllScores  map[string]float64 `json:"all_scores"`
}

// Classifier assigns study-type and risk-of-bias labels to study text.
type Classifier struct {
	llmClient llm.LLM
	model     string
	logger    *slog.Logger
}

// NewClassifier creates a classifier. A nil llmClient makes every result the task fallback.
func NewClassifier(llmClient llm.LLM, model string) *Classifier {
	return &Classifier{
		llmClient: llmClient,
		model:     model,
		logger:    slog.Default().With("component", "classifier"),
	}
}

type scoresResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Classify scores text against every label of taskName. AllScores always holds each
// label of the task and sums to 1.
func (c *Classifier) Classify(ctx context.Context, taskName, text string) (Classification, error) {
	t, ok := tasks[taskName]
	if !ok {
		return Classification{}, fmt.Errorf("%w: %q", ErrUnknownTask, taskName)
	}
	text = clip(text)
	if text == "" {
		return Classification{}, ErrEmptyInput
	}

	if c.llmClient == nil {
		return fallbackClassification(t), nil
	}

	response, err := c.llmClient.Generate(ctx, buildClassifyPrompt(t, text), llm.GenerateOptions{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   256,
		JSON:        true,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classifying %s: %w", taskName, err)
	}

	var parsed scoresResponse
	if err := llm.DecodeJSON(response, &parsed); err != nil {
		c.logger.Warn("unparseable classification, using fallback", "task", taskName, "error", err)
		return fallbackClassification(t), nil
	}

	result := normalizeScores(t, parsed.Scores)
	c.logger.Info("classified text", "task", taskName, "label", result.Label, "confidence", result.Confidence)
	return result, nil
}

func buildClassifyPrompt(t task, text string) string {
	var sb strings.Builder
	sb.WriteString(t.question)
	sb.WriteString("\n\nLabels: ")
	sb.WriteString(strings.Join(t.labels, ", "))
	sb.WriteString("\n\nText:\n")
	sb.WriteString(text)
	sb.WriteString(`

Give a probability for every label. Output ONLY valid JSON in this format:
{"scores": {"<label>": 0.0-1.0, ...}}`)
	return sb.String()
}

// normalizeScores matches labels case-insensitively, drops unknown labels, clamps
// negatives to zero and rescales to sum 1. An all-zero distribution becomes uniform.
func normalizeScores(t task, raw map[string]float64) Classification {
	byLower := make(map[string]string, len(t.labels))
	for _, l := range t.labels {
		byLower[strings.ToLower(l)] = l
	}

	scores := make(map[string]float64, len(t.labels))
	for _, l := range t.labels {
		scores[l] = 0
	}
	total := 0.0
	for name, s := range raw {
		label, ok := byLower[strings.ToLower(strings.TrimSpace(name))]
		if !ok || s <= 0 {
			continue
		}
		scores[label] += s
		total += s
	}

	if total == 0 {
		return fallbackClassification(t)
	}

	best := t.labels[0]
	for _, l := range t.labels {
		scores[l] /= total
		if scores[l] > scores[best] {
			best = l
		}
	}
	return Classification{Label: best, Confidence: scores[best], AllScores: scores}
}

func fallbackClassification(t task) Classification {
	scores := make(map[string]float64, len(t.labels))
	for _, l := range t.labels {
		scores[l] = 1 / float64(len(t.labels))
	}
	return Classification{Label: t.fallback, Confidence: scores[t.fallback], AllScores: scores}
}
