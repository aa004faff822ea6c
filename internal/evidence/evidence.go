// Package evidence verifies claims against context and classifies study text
// (study design and risk of bias) with a generative model.
package evidence

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownTask is returned for classification tasks other than TaskStudyType and TaskRiskOfBias.
	ErrUnknownTask = errors.New("invalid task, use 'study_type' or 'risk_of_bias'")

	// ErrEmptyInput is returned when a required text field is blank.
	ErrEmptyInput = errors.New("input text is empty")
)

// maxContextLength bounds each text passed to the model, in bytes.
const maxContextLength = 4000

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxContextLength {
		return s
	}
	return strings.ToValidUTF8(s[:maxContextLength], "")
}
