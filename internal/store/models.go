package store

import "time"

type User struct {
	ID              int64     `json:"id" db:"id"`
	ClientID        string    `json:"client_id" db:"client_id"`
	Phone           string    `json:"phone" db:"phone"` // channel address the user writes from
	Verified        bool      `json:"verified" db:"verified"`
	PDFResultLink   string    `json:"pdf_result_link" db:"pdf_result_link"`
	ASCIIResultLink string    `json:"ascii_result_link" db:"ascii_result_link"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

type Food struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	LabCode string `json:"lab_code" db:"lab_code"`
}

// Recipe is the hydrated candidate row used by the recommendation pipeline.
type Recipe struct {
	ID                int64  `json:"id" db:"id"`
	Name              string `json:"name" db:"name"`
	SubTitle          string `json:"sub_title" db:"sub_title"`
	PreparationMethod string `json:"preparation_method" db:"preparation_method"`
	NutRecommend      string `json:"nut_recommend" db:"nut_recommend"`
	Comment           string `json:"comment" db:"comment"`
	Minutes           int    `json:"minutes" db:"minutes"`
	MealType          string `json:"meal_type" db:"meal_type"`
	Foods             string `json:"foods" db:"foods"`
	Ingredients       string `json:"ingredients" db:"ingredients"`
}

type Rating struct {
	UserID   int64  `json:"user_id" db:"user_id"`
	RecipeID int64  `json:"recipe_id" db:"recipe_id"`
	Rating   int    `json:"rating" db:"rating"` // 1 or 5
	Comment  string `json:"comment,omitempty" db:"comment"`
}

type ShoppingListItem struct {
	UserID     int64  `json:"user_id" db:"user_id"`
	RecipeID   int64  `json:"recipe_id" db:"recipe_id"`
	RecipeName string `json:"recipe_name" db:"recipe_name"`
}

type MealType struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	MenuName string `json:"menu_name" db:"menu_name"`
}
