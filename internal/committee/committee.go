package committee

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// Candidate is a chunk under evaluation for admission to a library.
type Candidate struct {
	Library   string
	Content   string
	Hash      uint64
	Embedding []float32
}

// Verdict is one evaluator's opinion: a worthiness score and how much
// the evaluator trusts its own judgment, both in [0, 1].
type Verdict struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Evaluator scores a candidate along one axis of memorization worth.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, c *Candidate) (Verdict, error)
}

// Committee aggregates evaluator verdicts into a single importance
// score. Failed evaluators are dropped and the remaining confidences
// renormalize; when every evaluator fails the candidate cannot be
// scored at all.
type Committee struct {
	evaluators []Evaluator
	log        *zap.Logger
}

// minTotalConfidence is the floor below which confidence weighting is
// meaningless and a plain mean is used instead.
const minTotalConfidence = 0.1

// New assembles a committee from the given evaluators.
func New(log *zap.Logger, evaluators ...Evaluator) *Committee {
	return &Committee{evaluators: evaluators, log: log.Named("committee")}
}

// Evaluate runs every evaluator and blends their verdicts by confidence.
func (c *Committee) Evaluate(ctx context.Context, cand *Candidate) (float64, error) {
	if len(c.evaluators) == 0 {
		return 0, fmt.Errorf("%w: committee has no evaluators", memory.ErrEvaluationFailed)
	}

	verdicts := make([]Verdict, 0, len(c.evaluators))
	for _, ev := range c.evaluators {
		v, err := ev.Evaluate(ctx, cand)
		if err != nil {
			c.log.Warn("evaluator dropped",
				zap.String("evaluator", ev.Name()),
				zap.String("library", cand.Library),
				zap.Error(err))
			continue
		}
		verdicts = append(verdicts, v)
	}
	if len(verdicts) == 0 {
		return 0, fmt.Errorf("%w: library %s", memory.ErrEvaluationFailed, cand.Library)
	}

	var weighted, total float64
	for _, v := range verdicts {
		weighted += v.Score * v.Confidence
		total += v.Confidence
	}
	if total < minTotalConfidence {
		// Nobody is confident; fall back to an unweighted mean rather
		// than letting near-zero confidences dominate each other.
		var sum float64
		for _, v := range verdicts {
			sum += v.Score
		}
		return clamp01(sum / float64(len(verdicts))), nil
	}
	return clamp01(weighted / total), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
