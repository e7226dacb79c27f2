package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/pkg/model"
)

// Score reports the agreement among k independent samples for one prompt.
type Score struct {
	// MajorityAnswer is the most frequent answer in its original form.
	// Ties break toward the answer observed first, keeping behavior
	// reproducible under identical inputs.
	MajorityAnswer string `json:"majority_answer"`
	// AgreementRatio is count(most frequent normalized answer) / k.
	AgreementRatio float64  `json:"agreement_ratio"`
	Samples        []string `json:"samples"`
}

// Verifier estimates a plan's certainty by sampling the model several
// times and measuring how often the answers agree. Low agreement tells
// the caller to corroborate through tools instead of trusting the
// majority answer.
type Verifier struct {
	provider model.Provider
	logger   zerolog.Logger

	mu        sync.RWMutex
	samples   int
	threshold float64
}

// Config holds Verifier settings.
type Config struct {
	Provider model.Provider
	// Samples is k, the number of parallel generations. Defaults to 5.
	Samples int
	// Threshold is the minimum agreement ratio considered confident.
	// Defaults to 0.6.
	Threshold float64
	Logger    zerolog.Logger
}

// New creates a verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Provider == nil {
		return nil, errors.New("model provider is required")
	}
	if cfg.Samples <= 0 {
		cfg.Samples = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.6
	}
	return &Verifier{
		provider:  cfg.Provider,
		samples:   cfg.Samples,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
	}, nil
}

// Threshold returns the configured confidence cutoff.
func (v *Verifier) Threshold() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.threshold
}

// SetTuning replaces the sample count and agreement threshold at
// runtime. Out-of-range values fall back to the defaults, matching New.
// In-flight scoring finishes with the values it started under.
func (v *Verifier) SetTuning(samples int, threshold float64) {
	if samples <= 0 {
		samples = 5
	}
	if threshold <= 0 {
		threshold = 0.6
	}
	v.mu.Lock()
	v.samples = samples
	v.threshold = threshold
	v.mu.Unlock()
}

func (v *Verifier) tuning() (int, float64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.samples, v.threshold
}

// SampleAndScore issues k independent generations for the request and
// scores their agreement. The batch resolves as a unit: a failed sample
// fails the whole call, so the caller never acts on a partial batch.
func (v *Verifier) SampleAndScore(ctx context.Context, req model.Request) (*Score, error) {
	k, threshold := v.tuning()
	samples, err := v.provider.GenerateK(ctx, req, k)
	if err != nil {
		return nil, fmt.Errorf("self-consistency sampling failed: %w", err)
	}
	if len(samples) != k {
		return nil, fmt.Errorf("expected %d samples, got %d", k, len(samples))
	}

	score := scoreSamples(samples)

	decision := "accepted"
	if score.AgreementRatio < threshold {
		decision = "uncertain"
	}
	observability.RecordVerifierRun(score.AgreementRatio, decision)

	v.logger.Debug().
		Int("samples", len(samples)).
		Float64("agreement", score.AgreementRatio).
		Str("decision", decision).
		Msg("Self-consistency sampling scored")
	return score, nil
}

// Confident reports whether a score clears the agreement threshold.
func (v *Verifier) Confident(score *Score) bool {
	return score.AgreementRatio >= v.Threshold()
}

// scoreSamples counts normalized answers and picks the majority,
// breaking ties by first-observed order.
func scoreSamples(samples []string) *Score {
	counts := make(map[string]int, len(samples))
	firstSeen := make(map[string]int, len(samples))
	original := make(map[string]string, len(samples))

	for i, sample := range samples {
		key := Normalize(sample)
		if _, seen := counts[key]; !seen {
			firstSeen[key] = i
			original[key] = sample
		}
		counts[key]++
	}

	var bestKey string
	bestCount := -1
	for key, count := range counts {
		if count > bestCount || (count == bestCount && firstSeen[key] < firstSeen[bestKey]) {
			bestKey = key
			bestCount = count
		}
	}

	return &Score{
		MajorityAnswer: original[bestKey],
		AgreementRatio: float64(bestCount) / float64(len(samples)),
		Samples:        samples,
	}
}

// answerFields are the JSON keys an answer payload may hide behind,
// checked in order.
var answerFields = []string{"content", "answer", "result", "output"}

// Normalize maps a raw sample to its comparison form: the answer payload
// is extracted from a JSON wrapper when present, then compared
// whitespace- and case-insensitively.
func Normalize(sample string) string {
	text := strings.TrimSpace(sample)

	if strings.HasPrefix(text, "{") {
		var wrapper map[string]interface{}
		if err := json.Unmarshal([]byte(text), &wrapper); err == nil {
			for _, field := range answerFields {
				if value, ok := wrapper[field]; ok {
					text = flattenAnswer(value)
					break
				}
			}
		}
	}

	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func flattenAnswer(value interface{}) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(raw)
	}
}
