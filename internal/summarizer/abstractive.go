package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/knoguchi/medrag/internal/llm"
)

// MaxInputLength is the number of characters of input passed to the model.
const MaxInputLength = 1024

// Abstractive writes a new summary with a generative model.
type Abstractive struct {
	llmClient llm.LLM
	model     string
	maxLength int
	minLength int
	logger    *slog.Logger
}

// AbstractiveOption is a functional option for configuring Abstractive.
type AbstractiveOption func(*Abstractive)

// WithModel sets the generation model.
func WithModel(model string) AbstractiveOption {
	return func(a *Abstractive) {
		a.model = model
	}
}

// WithLengths sets the default length bounds in words.
func WithLengths(maxLength, minLength int) AbstractiveOption {
	return func(a *Abstractive) {
		if maxLength > 0 {
			a.maxLength = maxLength
		}
		if minLength > 0 {
			a.minLength = minLength
		}
	}
}

// NewAbstractive creates an LLM-backed summarizer.
func NewAbstractive(llmClient llm.LLM, opts ...AbstractiveOption) *Abstractive {
	a := &Abstractive{
		llmClient: llmClient,
		maxLength: DefaultMaxLength,
		minLength: DefaultMinLength,
		logger:    slog.Default().With("component", "abstractive-summarizer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Summarize truncates text to MaxInputLength characters and asks the model for a
// summary between opts.MinLength and opts.MaxLength words.
func (a *Abstractive) Summarize(ctx context.Context, text string, opts Options) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}

	maxLength, minLength := a.maxLength, a.minLength
	if opts.MaxLength > 0 {
		maxLength = opts.MaxLength
	}
	if opts.MinLength > 0 {
		minLength = opts.MinLength
	}
	if minLength > maxLength {
		minLength = maxLength
	}

	if utf8.RuneCountInString(text) > MaxInputLength {
		text = string([]rune(text)[:MaxInputLength])
		a.logger.Warn("text truncated", "max_characters", MaxInputLength)
	}

	prompt := fmt.Sprintf(`Summarize the following biomedical text in %d to %d words.
State the study design, population, intervention and main finding when present.
Do not add information that is not in the text. Output only the summary.

Text:
%s

Summary:`, minLength, maxLength, text)

	summary, err := a.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       a.model,
		Temperature: 0,
		// roughly 4 tokens per 3 words
		MaxTokens: maxLength * 4 / 3,
	})
	if err != nil {
		return "", fmt.Errorf("generating summary: %w", err)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("model returned an empty summary")
	}
	a.logger.Info("generated abstractive summary", "length", len(summary))
	return summary, nil
}
