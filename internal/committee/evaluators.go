package committee

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// DensityEvaluator scores information density: enough content to be
// worth storing, with a varied vocabulary. Very short fragments and
// highly repetitive text score low. Confidence grows with length, since
// a density judgment on ten characters is close to a coin flip.
type DensityEvaluator struct{}

func (DensityEvaluator) Name() string { return "density" }

func (DensityEvaluator) Evaluate(ctx context.Context, c *Candidate) (Verdict, error) {
	content := strings.TrimSpace(c.Content)
	if content == "" {
		return Verdict{Score: 0, Confidence: 1}, nil
	}

	words := strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(words) == 0 {
		return Verdict{Score: 0.1, Confidence: 0.8}, nil
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	variety := float64(len(unique)) / float64(len(words))

	// Length factor saturates around a few hundred words.
	length := 1 - math.Exp(-float64(len(words))/120)

	confidence := math.Min(1, float64(len(words))/40)
	return Verdict{Score: clamp01(0.6*length + 0.4*variety), Confidence: confidence}, nil
}

// StructureEvaluator rewards code-shaped content: indentation, brackets,
// assignment and call syntax. Prose scores near the middle, with low
// confidence, leaving the call to the other evaluators.
type StructureEvaluator struct{}

func (StructureEvaluator) Name() string { return "structure" }

func (StructureEvaluator) Evaluate(ctx context.Context, c *Candidate) (Verdict, error) {
	lines := strings.Split(c.Content, "\n")
	if len(lines) == 0 {
		return Verdict{Score: 0, Confidence: 0.5}, nil
	}

	var structured int
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.ContainsAny(trimmed, "{}()[]=;") ||
			strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "    ") {
			structured++
		}
	}
	ratio := float64(structured) / float64(len(lines))
	if ratio < 0.2 {
		// Mostly prose; weak signal either way.
		return Verdict{Score: 0.5, Confidence: 0.2}, nil
	}
	return Verdict{Score: clamp01(0.4 + 0.6*ratio), Confidence: 0.7}, nil
}

// NoveltyEvaluator scores how far a candidate sits from what the library
// already holds: a near-duplicate of an existing memory is hardly worth
// storing again. It needs the vector index, so its verdicts carry high
// confidence when the index answers and it fails outright when it
// cannot.
type NoveltyEvaluator struct {
	Vectors memory.VectorStore
}

func (NoveltyEvaluator) Name() string { return "novelty" }

func (e NoveltyEvaluator) Evaluate(ctx context.Context, c *Candidate) (Verdict, error) {
	if len(c.Embedding) == 0 {
		return Verdict{Score: 0.5, Confidence: 0.1}, nil
	}
	hits, err := e.Vectors.Nearest(ctx, c.Library, c.Embedding, 1)
	if err != nil {
		return Verdict{}, err
	}
	if len(hits) == 0 {
		// Empty library: everything is novel.
		return Verdict{Score: 1, Confidence: 0.9}, nil
	}
	return Verdict{Score: clamp01(1 - float64(hits[0].Score)), Confidence: 0.9}, nil
}
