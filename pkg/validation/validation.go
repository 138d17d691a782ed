package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/types"
)

// Suite runs the consistency gate comparing a migration's source and
// target indices: document counts, a uniform document sample, and a
// canary query battery. All thresholds come from the spec.
type Suite struct {
	gw     gateway.Gateway
	logger zerolog.Logger
}

// NewSuite creates a validation suite over gw.
func NewSuite(gw gateway.Gateway) *Suite {
	return &Suite{
		gw:     gw,
		logger: log.WithComponent("validation"),
	}
}

// Validate runs all three checks and aggregates the report. When the
// migration rewrites documents in flight, transform is the same function
// given to the reindexer, so sampled source documents are compared in
// their expected target shape. A non-nil error means a check could not
// be executed (backend failure); a report with Passed=false means the
// checks ran and the target was rejected.
func (s *Suite) Validate(ctx context.Context, spec *types.MigrationSpec, transform types.TransformFunc) (*types.ValidationReport, error) {
	report := &types.ValidationReport{CheckedAt: time.Now()}

	if err := s.checkCounts(ctx, spec, report); err != nil {
		return nil, fmt.Errorf("count check: %w", err)
	}
	if err := s.checkSample(ctx, spec, transform, report); err != nil {
		return nil, fmt.Errorf("sample check: %w", err)
	}
	if err := s.checkCanaries(ctx, spec, report); err != nil {
		return nil, fmt.Errorf("canary check: %w", err)
	}

	report.Passed = report.CountPassed && report.SamplePassed && report.CanaryPassed
	if report.Passed {
		metrics.ValidationsTotal.WithLabelValues("pass").Inc()
		s.logger.Info().
			Str("source", spec.SourceIndex).
			Str("target", spec.TargetIndex).
			Int64("source_count", report.SourceCount).
			Int64("target_count", report.TargetCount).
			Msg("Validation passed")
	} else {
		metrics.ValidationsTotal.WithLabelValues("fail").Inc()
		s.logger.Warn().
			Str("source", spec.SourceIndex).
			Str("target", spec.TargetIndex).
			Strs("failed_checks", report.FailedChecks()).
			Msg("Validation failed")
	}
	return report, nil
}

// checkCounts compares document counts within the spec's tolerance.
func (s *Suite) checkCounts(ctx context.Context, spec *types.MigrationSpec, report *types.ValidationReport) error {
	srcCount, err := s.gw.Count(ctx, spec.SourceIndex)
	if err != nil {
		return err
	}
	dstCount, err := s.gw.Count(ctx, spec.TargetIndex)
	if err != nil {
		return err
	}

	report.SourceCount = srcCount
	report.TargetCount = dstCount
	report.CountDelta = dstCount - srcCount

	if srcCount == 0 {
		report.CountDeltaPct = 0
		report.CountPassed = dstCount == 0
		return nil
	}

	report.CountDeltaPct = math.Abs(float64(dstCount-srcCount)) / float64(srcCount) * 100
	report.CountPassed = report.CountDeltaPct <= spec.MaxCountDeltaPct
	return nil
}

// checkSample fetches a uniform sample of source IDs and verifies each
// document exists in the target with identical fields.
func (s *Suite) checkSample(ctx context.Context, spec *types.MigrationSpec, transform types.TransformFunc, report *types.ValidationReport) error {
	ids, err := s.gw.SampleIDs(ctx, spec.SourceIndex, spec.SampleSize)
	if err != nil {
		return err
	}
	report.SampleSize = len(ids)

	for _, id := range ids {
		src, err := s.gw.GetDocument(ctx, spec.SourceIndex, id)
		if err != nil {
			return err
		}
		if transform != nil {
			src = transform(src)
		}
		dst, err := s.gw.GetDocument(ctx, spec.TargetIndex, id)
		if errors.Is(err, types.ErrNotFound) {
			report.SampleMismatches = append(report.SampleMismatches, id+": missing in target")
			continue
		}
		if err != nil {
			return err
		}
		if !fieldsMatch(src, dst) {
			report.SampleMismatches = append(report.SampleMismatches, id+": field mismatch")
		}
	}

	if report.SampleSize == 0 {
		report.SamplePassed = true
		return nil
	}
	rate := float64(len(report.SampleMismatches)) / float64(report.SampleSize)
	report.SamplePassed = rate <= spec.MaxErrorRate
	return nil
}

// checkCanaries runs the representative query battery against the target.
// A query fails when it errors, or when it returns zero hits while the
// same query against the source returns non-zero.
func (s *Suite) checkCanaries(ctx context.Context, spec *types.MigrationSpec, report *types.ValidationReport) error {
	report.CanaryPassed = true
	for _, canary := range spec.CanaryQueries {
		hits, err := s.gw.Search(ctx, spec.TargetIndex, canary.Query)
		if err != nil {
			if types.IsTransient(err) || errors.Is(err, types.ErrCircuitOpen) {
				return err
			}
			report.CanaryFailures = append(report.CanaryFailures,
				fmt.Sprintf("%s: %v", canary.Name, err))
			report.CanaryPassed = false
			continue
		}
		if hits > 0 {
			continue
		}
		srcHits, err := s.gw.Search(ctx, spec.SourceIndex, canary.Query)
		if err != nil {
			return err
		}
		if srcHits > 0 {
			report.CanaryFailures = append(report.CanaryFailures,
				fmt.Sprintf("%s: zero hits in target, %d in source", canary.Name, srcHits))
			report.CanaryPassed = false
		}
	}
	return nil
}

func fieldsMatch(src, dst types.Document) bool {
	return reflect.DeepEqual(src.Fields, dst.Fields)
}

// DefaultCanaries returns the stock canary battery used when a spec
// supplies none: a match-all and a term probe on a field every document
// carries.
func DefaultCanaries() []types.CanaryQuery {
	return []types.CanaryQuery{
		{Name: "match_all", Query: map[string]interface{}{"match_all": map[string]interface{}{}}},
	}
}
