package summarizer

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	// DefaultSentences is the extractive summary length.
	DefaultSentences = 5

	lexRankThreshold = 0.1
)

// sentenceEnd matches terminal punctuation followed by a space.
var sentenceEnd = regexp.MustCompile(`([.!?]) `)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all am an and any are as at be
		because been before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers him his how i if in into is it
		its itself just me more most my no nor not of off on once only or other our out over own same
		she should so some such than that the their them then there these they this those through to
		too under until up very was we were what when where which while who whom why will with would
		you your`) {
		stopWords[w] = struct{}{}
	}
}

// Extractive selects the most central sentences with LexRank degree centrality:
// sentences are TF-IDF vectors and an edge connects two sentences whose cosine
// similarity reaches 0.1.
type Extractive struct {
	sentences int
}

// NewExtractive returns an extractive summarizer keeping n sentences by default.
func NewExtractive(n int) *Extractive {
	if n <= 0 {
		n = DefaultSentences
	}
	return &Extractive{sentences: n}
}

// Summarize returns the top-ranked sentences joined by a space, in document order.
func (e *Extractive) Summarize(_ context.Context, text string, opts Options) (string, error) {
	n := opts.Sentences
	if n <= 0 {
		n = e.sentences
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return "", ErrEmptyText
	}
	if len(sentences) <= n {
		return strings.Join(sentences, " "), nil
	}

	scores := lexRank(sentences)
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	keep := order[:n]
	sort.Ints(keep)
	out := make([]string, len(keep))
	for i, idx := range keep {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " "), nil
}

// SplitSentences splits text on terminal punctuation and collapses internal whitespace.
func SplitSentences(text string) []string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return nil
	}
	return strings.Split(sentenceEnd.ReplaceAllString(collapsed, "$1\n"), "\n")
}

func words(sentence string) []string {
	fields := strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, w := range fields {
		if _, stop := stopWords[w]; !stop {
			out = append(out, w)
		}
	}
	return out
}

func lexRank(sentences []string) []float64 {
	n := len(sentences)

	tfs := make([]map[string]float64, n)
	df := make(map[string]int)
	for i, s := range sentences {
		tf := make(map[string]float64)
		for _, w := range words(s) {
			tf[w]++
		}
		maxTF := 0.0
		for _, c := range tf {
			maxTF = math.Max(maxTF, c)
		}
		for w := range tf {
			tf[w] /= maxTF
			df[w]++
		}
		tfs[i] = tf
	}

	idf := make(map[string]float64, len(df))
	for w, d := range df {
		idf[w] = math.Log(float64(n) / float64(d))
	}

	// Degree centrality over the thresholded similarity graph. Summed similarity
	// breaks ties between sentences of equal degree.
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		degree, total := 0, 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sim := cosine(tfs[i], tfs[j], idf)
			if sim >= lexRankThreshold {
				degree++
				total += sim
			}
		}
		scores[i] = float64(degree) + total/float64(n)
	}
	return scores
}

func cosine(a, b map[string]float64, idf map[string]float64) float64 {
	var dot, na, nb float64
	for w, tf := range a {
		v := tf * idf[w]
		na += v * v
		if tb, ok := b[w]; ok {
			dot += v * tb * idf[w]
		}
	}
	for w, tf := range b {
		v := tf * idf[w]
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
