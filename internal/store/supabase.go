package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/supabase-community/supabase-go"
)

const (
	tableUsers        = "users"
	tableFoods        = "foods"
	tableRecipes      = "recipes"
	tableRecipesView  = "recipes_view_data"
	tableRatings      = "recipe_ratings"
	tableShoppingList = "shopping_list"
	tableMealTypes    = "meal_type"
)

// SupabaseStore reads and writes the same tables as SQLiteStore through PostgREST.
// The underlying client does not take a context, so ctx is only checked before each request.
type SupabaseStore struct {
	client *supabase.Client
}

var _ DataStore = (*SupabaseStore)(nil)

func NewSupabaseClient(url, key string) (*supabase.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if key == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return client, nil
}

func NewSupabaseStore(client *supabase.Client) *SupabaseStore {
	return &SupabaseStore{client: client}
}

func (s *SupabaseStore) Close() error { return nil }

// supabaseUser tolerates client_id stored either as a number or as text.
type supabaseUser struct {
	ID              int64       `json:"id"`
	ClientID        json.Number `json:"client_id"`
	Phone           string      `json:"phone"`
	Verified        bool        `json:"verified"`
	PDFResultLink   *string     `json:"pdf_result_link"`
	ASCIIResultLink *string     `json:"ascii_result_link"`
}

func (u supabaseUser) toUser() *User {
	user := &User{
		ID:       u.ID,
		ClientID: u.ClientID.String(),
		Phone:    u.Phone,
		Verified: u.Verified,
	}
	if u.PDFResultLink != nil {
		user.PDFResultLink = *u.PDFResultLink
	}
	if u.ASCIIResultLink != nil {
		user.ASCIIResultLink = *u.ASCIIResultLink
	}
	return user
}

func (s *SupabaseStore) FindUser(ctx context.Context, phone, clientID string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []supabaseUser
	_, err := s.client.From(tableUsers).
		Select("*", "", false).
		Eq("phone", phone).
		Eq("client_id", clientID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by phone and client id: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toUser(), nil
}

func (s *SupabaseStore) MarkVerified(ctx context.Context, userID int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []supabaseUser
	_, err := s.client.From(tableUsers).
		Update(map[string]any{"verified": true}, "representation", "").
		Eq("id", strconv.FormatInt(userID, 10)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to verify user: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toUser(), nil
}

func (s *SupabaseStore) FoodsByLabCodes(ctx context.Context, codes []string) ([]Food, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var foods []Food
	_, err := s.client.From(tableFoods).
		Select("id,name,lab_code", "", false).
		In("lab_code", codes).
		ExecuteTo(&foods)
	if err != nil {
		return nil, fmt.Errorf("failed to get foods by lab codes: %w", err)
	}
	return foods, nil
}

// supabaseRecipe mirrors recipes_view_data, where text columns may be null.
type supabaseRecipe struct {
	ID                int64   `json:"id"`
	Name              *string `json:"name"`
	SubTitle          *string `json:"sub_title"`
	PreparationMethod *string `json:"preparation_method"`
	NutRecommend      *string `json:"nut_recommend"`
	Comment           *string `json:"comment"`
	Minutes           *int    `json:"minutes"`
	MealType          *string `json:"meal_type"`
	Foods             *string `json:"foods"`
	Ingredients       *string `json:"ingredients"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r supabaseRecipe) toRecipe() Recipe {
	recipe := Recipe{
		ID:                r.ID,
		Name:              deref(r.Name),
		SubTitle:          deref(r.SubTitle),
		PreparationMethod: deref(r.PreparationMethod),
		NutRecommend:      deref(r.NutRecommend),
		Comment:           deref(r.Comment),
		MealType:          deref(r.MealType),
		Foods:             deref(r.Foods),
		Ingredients:       deref(r.Ingredients),
	}
	if r.Minutes != nil {
		recipe.Minutes = *r.Minutes
	}
	return recipe
}

func (s *SupabaseStore) RecipesByIDs(ctx context.Context, ids []int64) ([]Recipe, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}

	var rows []supabaseRecipe
	_, err := s.client.From(tableRecipesView).
		Select("*", "", false).
		In("id", strIDs).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipes by ids: %w", err)
	}
	recipes := make([]Recipe, len(rows))
	for i, r := range rows {
		recipes[i] = r.toRecipe()
	}
	return recipes, nil
}

func (s *SupabaseStore) UpsertRecipes(ctx context.Context, recipes []Recipe) error {
	if len(recipes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(tableRecipes).
		Upsert(recipes, "id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert recipes: %w", err)
	}
	return nil
}

func (s *SupabaseStore) CreateRating(ctx context.Context, rating Rating) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(tableRatings).
		Insert(rating, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create rating: %w", err)
	}
	return nil
}

func (s *SupabaseStore) CreateShoppingListItem(ctx context.Context, item ShoppingListItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(tableShoppingList).
		Insert(item, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create shopping list item: %w", err)
	}
	return nil
}

func (s *SupabaseStore) upsert(ctx context.Context, table, onConflict string, rows any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(table).
		Upsert(rows, onConflict, "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", table, err)
	}
	return nil
}

type supabaseUserRow struct {
	ClientID        string `json:"client_id"`
	Phone           string `json:"phone"`
	PDFResultLink   string `json:"pdf_result_link"`
	ASCIIResultLink string `json:"ascii_result_link"`
}

func (s *SupabaseStore) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	rows := make([]supabaseUserRow, len(users))
	for i, u := range users {
		rows[i] = supabaseUserRow{
			ClientID:        u.ClientID,
			Phone:           u.Phone,
			PDFResultLink:   u.PDFResultLink,
			ASCIIResultLink: u.ASCIIResultLink,
		}
	}
	return s.upsert(ctx, tableUsers, "phone,client_id", rows)
}

func (s *SupabaseStore) UpsertFoods(ctx context.Context, foods []Food) error {
	if len(foods) == 0 {
		return nil
	}
	type foodRow struct {
		Name    string `json:"name"`
		LabCode string `json:"lab_code"`
	}
	rows := make([]foodRow, len(foods))
	for i, f := range foods {
		rows[i] = foodRow{Name: f.Name, LabCode: f.LabCode}
	}
	return s.upsert(ctx, tableFoods, "lab_code", rows)
}

func (s *SupabaseStore) UpsertMealTypes(ctx context.Context, types []MealType) error {
	if len(types) == 0 {
		return nil
	}
	return s.upsert(ctx, tableMealTypes, "id", types)
}

func (s *SupabaseStore) MealTypes(ctx context.Context) ([]MealType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []struct {
		ID       int64   `json:"id"`
		Name     string  `json:"name"`
		MenuName *string `json:"menu_name"`
	}
	_, err := s.client.From(tableMealTypes).
		Select("*", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get meal types: %w", err)
	}
	types := make([]MealType, len(rows))
	for i, r := range rows {
		types[i] = MealType{ID: r.ID, Name: r.Name, MenuName: deref(r.MenuName)}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types, nil
}
