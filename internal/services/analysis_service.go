package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/prguard/engine/internal/analyzer"
	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/scm"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
	"github.com/prguard/engine/pkg/utils"
)

// AnalysisService produces the risk assessment for a pull request event.
type AnalysisService interface {
	Run(ctx context.Context, ev events.PREvent) (*events.AnalysisComplete, error)
}

type analysisService struct {
	executions repository.ExecutionRepository
	cache      repository.AnalysisCacheRepository
	github     scm.Client
	analyzer   analyzer.Analyzer
	publisher  bus.Publisher
}

func NewAnalysisService(executions repository.ExecutionRepository, cache repository.AnalysisCacheRepository, github scm.Client, a analyzer.Analyzer, publisher bus.Publisher) AnalysisService {
	return &analysisService{executions: executions, cache: cache, github: github, analyzer: a, publisher: publisher}
}

var _ AnalysisService = (*analysisService)(nil)

type finalAttemptKey struct{}

// WithFinalAttempt marks ctx as the last delivery of a task. Failures on the final
// attempt are recorded on the execution instead of being left for redelivery.
func WithFinalAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, finalAttemptKey{}, true)
}

func IsFinalAttempt(ctx context.Context) bool {
	final, _ := ctx.Value(finalAttemptKey{}).(bool)
	return final
}

// retryableAnalysisError reports whether a redelivery could succeed where this
// attempt failed.
func retryableAnalysisError(err error) bool {
	switch appErr.CodeOf(err) {
	case appErr.CodeUnavailable, appErr.CodeDeadline, appErr.CodeInternal, appErr.CodeUnknown:
		return true
	}
	return false
}

// Run returns nil, nil when another handler owns the execution.
func (s *analysisService) Run(ctx context.Context, ev events.PREvent) (*events.AnalysisComplete, error) {
	log := logger.L().With(zap.String("execution_id", ev.ExecutionID))

	out, err := s.executions.UpdateConditional(ctx, ev.ExecutionID,
		repository.Fields{repository.ColStatus: models.StatusAnalyzing},
		repository.TransitionTo(models.StatusAnalyzing))
	if err != nil {
		return nil, err
	}
	if out == repository.ConditionFailed {
		return s.replay(ctx, ev)
	}

	result, err := s.analyze(ctx, ev)
	if err != nil {
		if retryableAnalysisError(err) && !IsFinalAttempt(ctx) {
			// analyzing may be re-entered, so the redelivered task picks the record up again.
			log.Warn("analysis failed, awaiting redelivery", zap.Error(err))
			return nil, err
		}
		log.Error("analysis failed", zap.Error(err))
		if _, ferr := s.executions.UpdateConditional(ctx, ev.ExecutionID, repository.Fields{
			repository.ColStatus:            models.StatusFailed,
			repository.ColDeploymentMessage: fmt.Sprintf("analysis failed: %v", err),
		}, repository.TransitionTo(models.StatusFailed)); ferr != nil {
			log.Error("mark execution failed", zap.Error(ferr))
		}
		return nil, err
	}

	out, err = s.executions.UpdateConditional(ctx, ev.ExecutionID, repository.Fields{
		repository.ColStatus:    models.StatusCompleted,
		repository.ColRiskScore: result.RiskScore,
		repository.ColFindings:  datatypes.NewJSONSlice(result.Findings),
	}, repository.TransitionTo(models.StatusCompleted))
	if err != nil {
		return nil, err
	}
	if out == repository.ConditionFailed {
		log.Debug("execution left analyzing before completion")
		return nil, nil
	}

	if err := s.publish(ctx, result); err != nil {
		return nil, err
	}
	log.Info("analysis complete",
		zap.Int("risk_score", result.RiskScore),
		zap.Int("findings", result.Metadata.FindingCount),
		zap.Bool("cached", result.Metadata.Cached))
	return result, nil
}

func (s *analysisService) analyze(ctx context.Context, ev events.PREvent) (*events.AnalysisComplete, error) {
	diff, err := s.github.PullRequestDiff(ctx, ev.RepoFullName, ev.PRNumber)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeOf(err), "fetch pull request diff failed")
	}
	hash := utils.HexSHA256(diff)

	result := &events.AnalysisComplete{
		ExecutionID:  ev.ExecutionID,
		RepoFullName: ev.RepoFullName,
		PRNumber:     ev.PRNumber,
		HeadSHA:      ev.HeadSHA,
	}

	cached, hit, err := s.cache.Lookup(ctx, hash)
	if err != nil {
		logger.L().Warn("analysis cache lookup failed", zap.String("content_hash", hash), zap.Error(err))
	}
	if hit {
		result.Findings = cached.Findings
		result.RiskScore = cached.RiskScore
		result.Metadata = events.AnalysisMetadata{Cached: true, FindingCount: len(cached.Findings)}
		return result, nil
	}

	findings, err := s.analyzer.Analyze(ctx, analyzer.Request{
		RepoFullName: ev.RepoFullName,
		PRNumber:     ev.PRNumber,
		HeadSHA:      ev.HeadSHA,
		Title:        ev.Title,
		Diff:         string(diff),
	})
	if err != nil {
		return nil, err
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	result.Findings = findings
	result.RiskScore = models.RiskScore(findings)
	result.Metadata = events.AnalysisMetadata{FindingCount: len(findings)}

	if err := s.cache.Store(ctx, hash, findings, result.RiskScore); err != nil {
		logger.L().Warn("analysis cache store failed", zap.String("content_hash", hash), zap.Error(err))
	}
	return result, nil
}

// replay republishes the stored result of a completed execution so a crash between
// the completed write and the publish is recovered by redelivery.
func (s *analysisService) replay(ctx context.Context, ev events.PREvent) (*events.AnalysisComplete, error) {
	e, err := s.executions.Get(ctx, ev.ExecutionID)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			logger.L().Debug("execution missing, skipping analysis", zap.String("execution_id", ev.ExecutionID))
			return nil, nil
		}
		return nil, err
	}
	if e.Status != models.StatusCompleted || e.RiskScore == nil {
		logger.L().Debug("execution not analysable", zap.String("execution_id", ev.ExecutionID), zap.String("status", string(e.Status)))
		return nil, nil
	}
	result := &events.AnalysisComplete{
		ExecutionID:  e.ExecutionID,
		RepoFullName: e.RepoFullName,
		PRNumber:     e.PRNumber,
		HeadSHA:      e.HeadSHA,
		RiskScore:    *e.RiskScore,
		Findings:     e.Findings,
		Metadata:     events.AnalysisMetadata{Cached: true, FindingCount: len(e.Findings)},
	}
	if err := s.publish(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *analysisService) publish(ctx context.Context, result *events.AnalysisComplete) error {
	res, err := s.publisher.Publish(ctx, events.SourceAnalyzer, events.TypeAnalysisComplete, result)
	if err != nil {
		return err
	}
	return res.Err()
}
