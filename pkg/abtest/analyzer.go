package abtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/soshogle/drip/pkg/events"
	"github.com/soshogle/drip/pkg/eventbus"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// Outcome classifies an analysis run.
type Outcome string

const (
	// OutcomeInsufficientData means at least one variant has not reached
	// the minimum sample size. Re-checkable later, never an error.
	OutcomeInsufficientData Outcome = "insufficient_data"

	// OutcomeNoClearWinner means every variant has enough data but the
	// best performer does not beat the runner-up by the required margin.
	OutcomeNoClearWinner Outcome = "no_clear_winner"

	// OutcomeWinner means a winner was declared and the test was frozen.
	OutcomeWinner Outcome = "winner"
)

const (
	// DefaultMinSample is the per-variant send count required before any
	// result may be declared.
	DefaultMinSample = 100

	// DefaultMinImprovement is the relative improvement over the
	// runner-up, in percent, required to declare a winner.
	DefaultMinImprovement = 10.0
)

// AnalyzerConfig tunes the winner-detection thresholds.
type AnalyzerConfig struct {
	MinSample      int64
	MinImprovement float64
}

// VariantStats is the per-variant snapshot included in an analysis result.
type VariantStats struct {
	VariantID      string  `json:"variant_id"`
	Label          string  `json:"label"`
	SendCount      int64   `json:"send_count"`
	SuccessCount   int64   `json:"success_count"`
	ConversionRate float64 `json:"conversion_rate"`
}

// AnalysisResult is the outcome of analyzing one test.
type AnalysisResult struct {
	TestID      string         `json:"test_id"`
	Outcome     Outcome        `json:"outcome"`
	WinnerID    *string        `json:"winner_id,omitempty"`
	Improvement *float64       `json:"improvement_percent,omitempty"`
	Variants    []VariantStats `json:"variants"`
}

// Analyzer evaluates A/B tests and freezes them once a winner is
// statistically justified.
type Analyzer struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
	config      AnalyzerConfig
}

// NewAnalyzer creates an analyzer. Zero config fields fall back to the
// defaults.
func NewAnalyzer(p persistence.Persistence, eventBus eventbus.EventBus, logger *slog.Logger, config AnalyzerConfig) *Analyzer {
	if config.MinSample <= 0 {
		config.MinSample = DefaultMinSample
	}

	if config.MinImprovement <= 0 {
		config.MinImprovement = DefaultMinImprovement
	}

	return &Analyzer{
		persistence: p,
		eventBus:    eventBus,
		logger:      logger.With("module", "abtest_analyzer"),
		config:      config,
	}
}

// Analyze evaluates the test's variants and declares a winner when the
// sample-size and effect-size thresholds are both met. Calling Analyze on
// an already-completed test returns the frozen result without touching any
// counter.
func (a *Analyzer) Analyze(ctx context.Context, testID string) (*AnalysisResult, error) {
	test, err := a.persistence.ABTestRepository().GetByID(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ab test: %w", err)
	}

	stats := collectStats(test.Variants)

	if test.IsCompleted() {
		return &AnalysisResult{
			TestID:   testID,
			Outcome:  OutcomeWinner,
			WinnerID: test.WinnerID,
			Variants: stats,
		}, nil
	}

	for _, s := range stats {
		if s.SendCount < a.config.MinSample {
			a.logger.DebugContext(ctx, "Test needs more data",
				"test_id", testID, "variant_id", s.VariantID, "send_count", s.SendCount)

			return &AnalysisResult{TestID: testID, Outcome: OutcomeInsufficientData, Variants: stats}, nil
		}
	}

	ranked := make([]VariantStats, len(stats))
	copy(ranked, stats)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ConversionRate > ranked[j].ConversionRate
	})

	winner, runnerUp := ranked[0], ranked[1]

	// A zero-rate runner-up makes relative improvement undefined; treat
	// it as no clear winner rather than dividing by zero.
	if runnerUp.ConversionRate == 0 {
		return &AnalysisResult{TestID: testID, Outcome: OutcomeNoClearWinner, Variants: stats}, nil
	}

	improvement := (winner.ConversionRate - runnerUp.ConversionRate) / runnerUp.ConversionRate * 100

	if improvement < a.config.MinImprovement {
		return &AnalysisResult{
			TestID:      testID,
			Outcome:     OutcomeNoClearWinner,
			Improvement: &improvement,
			Variants:    stats,
		}, nil
	}

	completedAt := time.Now().UTC()

	err = a.persistence.ABTestRepository().Complete(ctx, testID, winner.VariantID, completedAt)
	if err != nil {
		if errors.Is(err, persistence.ErrTestAlreadyCompleted) {
			// A concurrent analyzer froze the test first; return its result.
			return a.Analyze(ctx, testID)
		}

		return nil, fmt.Errorf("failed to complete ab test: %w", err)
	}

	a.logger.InfoContext(ctx, "A/B test winner declared",
		"test_id", testID, "winner_id", winner.VariantID, "improvement_percent", improvement)

	if a.eventBus != nil {
		event := events.ABTestCompleted{
			BaseEvent: events.BaseEvent{
				ID:        a.eventBus.GenerateID(),
				Type:      events.ABTestCompletedEvent,
				Timestamp: completedAt,
			},
			TestID:   testID,
			WinnerID: winner.VariantID,
			Rate:     winner.ConversionRate,
		}
		if err := a.eventBus.Publish(ctx, testID, event); err != nil {
			a.logger.ErrorContext(ctx, "Failed to publish abtest.completed event",
				"test_id", testID, "error", err)
		}
	}

	winnerID := winner.VariantID

	return &AnalysisResult{
		TestID:      testID,
		Outcome:     OutcomeWinner,
		WinnerID:    &winnerID,
		Improvement: &improvement,
		Variants:    stats,
	}, nil
}

func collectStats(variants []*models.Variant) []VariantStats {
	stats := make([]VariantStats, 0, len(variants))

	for _, variant := range variants {
		stats = append(stats, VariantStats{
			VariantID:      variant.ID,
			Label:          variant.Label,
			SendCount:      variant.SendCount,
			SuccessCount:   variant.SuccessCount,
			ConversionRate: variant.ConversionRate(),
		})
	}

	return stats
}
