package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
)

const (
	ratingLike    = 5
	ratingDislike = 1
)

var errNoSelection = errors.New("no recipe selected")

// FeedbackStore is the append-only sink for ratings and saved recipes.
type FeedbackStore interface {
	CreateRating(ctx context.Context, rating store.Rating) error
	CreateShoppingListItem(ctx context.Context, item store.ShoppingListItem) error
}

type FeedbackService struct {
	store  FeedbackStore
	logger *zap.Logger
}

func NewFeedbackService(fs FeedbackStore, logger *zap.Logger) *FeedbackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackService{store: fs, logger: logger}
}

// Like rates the selected recipe 5 and adds it to the user's shopping list.
func (s *FeedbackService) Like(ctx context.Context, sess *session.Session) error {
	if sess.Selected == nil {
		return errNoSelection
	}
	recipe := *sess.Selected
	err := s.store.CreateRating(ctx, store.Rating{
		UserID:   sess.Profile.UserID,
		RecipeID: recipe.ID,
		Rating:   ratingLike,
	})
	if err != nil {
		return fmt.Errorf("failed to store like: %w", err)
	}
	err = s.store.CreateShoppingListItem(ctx, store.ShoppingListItem{
		UserID:     sess.Profile.UserID,
		RecipeID:   recipe.ID,
		RecipeName: recipe.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to add recipe to shopping list: %w", err)
	}
	s.logger.Info("recipe liked", zap.String("user_id", sess.UserID), zap.Int64("recipe_id", recipe.ID))
	return nil
}

// Dislike rates the selected recipe 1. Long comments are truncated, never rejected.
func (s *FeedbackService) Dislike(ctx context.Context, sess *session.Session, comment string) error {
	if sess.Selected == nil {
		return errNoSelection
	}
	err := s.store.CreateRating(ctx, store.Rating{
		UserID:   sess.Profile.UserID,
		RecipeID: sess.Selected.ID,
		Rating:   ratingDislike,
		Comment:  truncateRunes(comment, maxFreeTextRunes),
	})
	if err != nil {
		return fmt.Errorf("failed to store dislike: %w", err)
	}
	s.logger.Info("recipe disliked", zap.String("user_id", sess.UserID), zap.Int64("recipe_id", sess.Selected.ID))
	return nil
}
