package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// DataStore is the record storage the bot reads users, foods and recipes from and writes feedback to.
type DataStore interface {
	// FindUser returns ErrNotFound when no user has this phone and client id.
	FindUser(ctx context.Context, phone, clientID string) (*User, error)
	MarkVerified(ctx context.Context, userID int64) (*User, error)
	FoodsByLabCodes(ctx context.Context, codes []string) ([]Food, error)
	RecipesByIDs(ctx context.Context, ids []int64) ([]Recipe, error)
	UpsertRecipes(ctx context.Context, recipes []Recipe) error
	CreateRating(ctx context.Context, rating Rating) error
	CreateShoppingListItem(ctx context.Context, item ShoppingListItem) error
	MealTypes(ctx context.Context) ([]MealType, error)

	// Reference data loaded by the ingest commands.
	UpsertUsers(ctx context.Context, users []User) error
	UpsertFoods(ctx context.Context, foods []Food) error
	UpsertMealTypes(ctx context.Context, types []MealType) error

	Close() error
}
