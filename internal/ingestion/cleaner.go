// Package ingestion fetches papers from external sources, normalizes them, and builds the
// retrieval index from the stored corpus.
package ingestion

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/knoguchi/medrag/internal/repository"
)

var yearPattern = regexp.MustCompile(`\d{4}`)

// CleanText collapses runs of whitespace into single spaces and trims the result.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ExtractYear returns the first four-digit run in a date string, or 0.
func ExtractYear(date string) int {
	m := yearPattern.FindString(date)
	if m == "" {
		return 0
	}
	year, _ := strconv.Atoi(m)
	return year
}

// CleanPaper returns a normalized copy of p.
func CleanPaper(p *repository.Paper) *repository.Paper {
	cleaned := *p
	cleaned.Title = CleanText(p.Title)
	cleaned.Abstract = CleanText(p.Abstract)
	cleaned.Text = CleanText(p.Text)
	cleaned.Authors = normalizeAuthors(p.Authors)
	cleaned.Keywords = normalizeKeywords(p.Keywords)
	if year := ExtractYear(p.PublicationDate); year > 0 {
		cleaned.Year = year
	}
	return &cleaned
}

// CleanPapers cleans every paper, dropping those left with nothing to index.
func CleanPapers(papers []*repository.Paper) []*repository.Paper {
	out := make([]*repository.Paper, 0, len(papers))
	for _, p := range papers {
		c := CleanPaper(p)
		if c.ID == "" || c.IndexText() == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func normalizeAuthors(authors []string) []string {
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// normalizeKeywords lowercases, dedupes and sorts.
func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
