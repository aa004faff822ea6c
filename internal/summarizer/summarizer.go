// Package summarizer produces extractive (LexRank) and abstractive (LLM) summaries
// of paper text.
package summarizer

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyText is returned when there is nothing to summarize.
var ErrEmptyText = errors.New("text is empty")

// ErrUnknownMethod is returned by Registry.Get for unsupported methods.
var ErrUnknownMethod = errors.New("unknown summarization method")

// Method names accepted by the API.
const (
	MethodExtractive  = "extractive"
	MethodAbstractive = "abstractive"
)

// Default length hints, in words.
const (
	DefaultMaxLength = 150
	DefaultMinLength = 30
)

// Options tunes a single summarization call. Zero values mean the summarizer's defaults.
type Options struct {
	// MaxLength and MinLength bound abstractive output, in words.
	MaxLength int
	MinLength int

	// Sentences is the number of sentences an extractive summary keeps.
	Sentences int
}

// Summarizer condenses text.
type Summarizer interface {
	Summarize(ctx context.Context, text string, opts Options) (string, error)
}

// Registry maps method names to summarizers.
type Registry struct {
	methods map[string]Summarizer
}

// NewRegistry returns a registry holding the given extractive and abstractive
// summarizers. Either may be nil.
func NewRegistry(extractive, abstractive Summarizer) *Registry {
	r := &Registry{methods: make(map[string]Summarizer, 2)}
	if extractive != nil {
		r.methods[MethodExtractive] = extractive
	}
	if abstractive != nil {
		r.methods[MethodAbstractive] = abstractive
	}
	return r
}

// Get returns the summarizer for method. An empty method selects abstractive.
func (r *Registry) Get(method string) (Summarizer, string, error) {
	if method == "" {
		method = MethodAbstractive
	}
	s, ok := r.methods[method]
	if !ok {
		return nil, method, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return s, method, nil
}
