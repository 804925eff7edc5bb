package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LoadRecipesCSV reads the recipe export. The first column is always the recipe id whatever its
// header says; the rest are matched by header name.
func LoadRecipesCSV(r io.Reader) ([]Recipe, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "ingredients"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("recipe csv is missing the %q column", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var recipes []Recipe
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read recipe csv line %d: %w", line, err)
		}
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}

		id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid recipe id %q on line %d: %w", row[0], line, err)
		}
		minutes, _ := strconv.Atoi(field(row, "minutes"))

		mealType := field(row, "meal_types")
		if mealType == "" {
			mealType = field(row, "meal_type")
		}

		recipes = append(recipes, Recipe{
			ID:                id,
			Name:              field(row, "name"),
			SubTitle:          field(row, "sub_title"),
			PreparationMethod: field(row, "preparation_method"),
			NutRecommend:      field(row, "nut_recommend"),
			Comment:           field(row, "comment"),
			Minutes:           minutes,
			MealType:          mealType,
			Foods:             field(row, "foods"),
			Ingredients:       field(row, "ingredients"),
		})
	}
	return recipes, nil
}

// EmbeddingText is the document text indexed for similarity search.
func (r Recipe) EmbeddingText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\nSubtitle: %s\nPreparation Method: %s\n", r.Name, r.SubTitle, r.PreparationMethod)
	fmt.Fprintf(&b, "Nutritional Recommendations: %s\nComment: %s\n", r.NutRecommend, r.Comment)
	fmt.Fprintf(&b, "Preparation Time: %d minutes\nMeal Type: %s\nIngredients: %s", r.Minutes, r.MealType, r.Ingredients)
	return b.String()
}
