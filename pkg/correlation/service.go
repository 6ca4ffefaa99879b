package correlation

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/pkg/appcontext"
	"github.com/Ramsey-B/bramble/pkg/association"
	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// IssuerPluginID names the service as the issuer of the Link requests it
// produces, so merge history records who decided each merge.
const IssuerPluginID = "static_correlator"

// WarningSink receives contradiction warnings from a pass.
type WarningSink interface {
	CorrelationContradiction(ctx context.Context, warning models.WarningResult) error
}

// Service loads the entity population, runs the engine over it, and applies
// the resulting Link decisions.
type Service struct {
	engine       *Engine
	repo         *mergedentity.Repository
	associations *association.Handler
	warnings     WarningSink
	logger       ectologger.Logger
}

func NewService(engine *Engine, repo *mergedentity.Repository, associations *association.Handler, warnings WarningSink, logger ectologger.Logger) *Service {
	return &Service{
		engine:       engine,
		repo:         repo,
		associations: associations,
		warnings:     warnings,
		logger:       logger,
	}
}

// PassSummary reports what one correlation pass did.
type PassSummary struct {
	Entities int `json:"entities"`
	Matches  int `json:"matches"`
	Linked   int `json:"linked"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
}

// RunPass runs a single correlation pass and applies its decisions. Link
// failures are counted and logged but do not abort the pass: matches are
// independent of each other, and a missed merge is found again next pass.
func (s *Service) RunPass(ctx context.Context) (*PassSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "correlation.Service.RunPass")
	defer span.End()

	entities, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}

	result := s.engine.Correlate(ctx, entities)

	summary := &PassSummary{
		Entities: len(entities),
		Matches:  len(result.Matches),
		Warnings: len(result.Warnings),
	}

	for _, warning := range result.Warnings {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"notification_type": warning.NotificationType,
			"content":           warning.Content,
		}).Warn(warning.Message)
		if s.warnings != nil {
			if err := s.warnings.CorrelationContradiction(ctx, warning); err != nil {
				s.logger.WithContext(ctx).WithError(err).Error("Failed to publish contradiction warning")
			}
		}
	}

	issuerCtx := appcontext.SetPluginID(ctx, IssuerPluginID)
	for _, match := range result.Matches {
		if err := s.applyMatch(issuerCtx, match); err != nil {
			summary.Failed++
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"first":  match.First,
				"second": match.Second,
				"reason": match.Reason,
			}).Error("Failed to link correlated entities")
			continue
		}
		summary.Linked++
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"entities": summary.Entities,
		"matches":  summary.Matches,
		"linked":   summary.Linked,
		"failed":   summary.Failed,
		"warnings": summary.Warnings,
	}).Info("Correlation pass applied")

	return summary, nil
}

func (s *Service) applyMatch(ctx context.Context, match models.CorrelationResult) error {
	req := &models.AssociationRequest{
		AssociationType: models.AssociationLink,
		Entities: map[string]string{
			match.First.Plugin:  match.First.LocalID,
			match.Second.Plugin: match.Second.LocalID,
		},
	}
	_, err := s.associations.Process(ctx, req)
	return err
}
