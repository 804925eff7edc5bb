package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rbio.com/nutribot/internal/labresults"
	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
)

// FoodLookup maps lab restriction codes to foods.
type FoodLookup interface {
	FoodsByLabCodes(ctx context.Context, codes []string) ([]store.Food, error)
}

// RestrictionService turns a user's lab result file into banned foods.
type RestrictionService struct {
	source labresults.Source
	foods  FoodLookup
	logger *zap.Logger
}

func NewRestrictionService(source labresults.Source, foods FoodLookup, logger *zap.Logger) *RestrictionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestrictionService{source: source, foods: foods, logger: logger}
}

// Resolve fills sess.Restrictions once per session. On failure the restrictions stay empty and
// unresolved so the next visit retries.
func (s *RestrictionService) Resolve(ctx context.Context, sess *session.Session) error {
	const op = "restrictions.Resolve"
	if sess.Restrictions.Resolved {
		return nil
	}
	if sess.Profile.ASCIIResultLink == "" {
		sess.Restrictions = session.Restrictions{Resolved: true}
		return nil
	}

	result, err := s.source.Fetch(ctx, sess.Profile.ASCIIResultLink)
	if err != nil {
		sess.Restrictions = session.Restrictions{}
		return newError(KindRestrictionSource, op, fmt.Errorf("failed to fetch lab result: %w", err))
	}

	high, err := s.foodNames(ctx, result.High)
	if err != nil {
		sess.Restrictions = session.Restrictions{}
		return newError(KindRestrictionSource, op, err)
	}
	low, err := s.foodNames(ctx, result.Low)
	if err != nil {
		sess.Restrictions = session.Restrictions{}
		return newError(KindRestrictionSource, op, err)
	}

	sess.Restrictions = session.Restrictions{
		Resolved:  true,
		HighFoods: high,
		LowFoods:  low,
		HighCodes: result.High,
		LowCodes:  result.Low,
	}
	s.logger.Info("restrictions resolved",
		zap.String("user_id", sess.UserID),
		zap.Int("high", len(high)),
		zap.Int("low", len(low)))
	return nil
}

func (s *RestrictionService) foodNames(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	foods, err := s.foods.FoodsByLabCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to map lab codes to foods: %w", err)
	}
	names := make([]string, 0, len(foods))
	for _, f := range foods {
		names = append(names, f.Name)
	}
	return names, nil
}
