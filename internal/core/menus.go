package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
)

const (
	msgGreeting           = "👋 Hi, your results are ready!\nPlease enter your Client ID to validate your personal chat."
	msgVerified           = "✅ Verification successful! Choose an option:"
	msgInvalidClientID    = "❌ Invalid Client ID. Please try again:"
	msgInvalidOption      = "❌ Invalid option. Please choose from the menu:"
	msgPressZero          = "❌ Invalid option. Press 0 to go back."
	msgApology            = "😔 Sorry, something went wrong on our side. Please try again later."
	msgAssistantSoon      = "🛠 Personal Nutrition Assistant is coming soon!"
	msgLooking            = "🔎 Looking for the best recipe for you, this may take a moment..."
	msgNoMatch            = "😕 We couldn't find a recipe matching your preferences and restrictions. Try different options."
	msgSelectionFallback  = "😕 We couldn't pick a recipe for you this time. Please try again."
	msgNoMoreAlternatives = "That was the last suggestion for this search."
	msgDislikePrompt      = "Sorry to hear that! Tell us briefly why you didn't like it (or press 0 to skip):"
	msgDislikeThanks      = "🙏 Thanks for your feedback, we'll use it to improve your next recommendations."
	msgRestrictionsFailed = "⚠️ We couldn't load your restrictions right now."
	msgRestrictionsNotice = "⚠️ We couldn't load your restrictions, recommendations will not exclude them."

	mainMenuText = "*Main Menu:*\n" +
		"1️⃣ View My Results\n" +
		"2️⃣ See My Restrictions\n" +
		"3️⃣ Personalized Recipes\n" +
		"4️⃣ Personal Nutrition Assistant\n" +
		"0️⃣ 🔝 Main Menu"

	backToMainText = "0️⃣ 🔝 Main Menu"

	recommendationOptionsText = "What do you think?\n" +
		"1️⃣ Like it, save to my shopping list\n" +
		"2️⃣ Don't like it\n" +
		"3️⃣ Show another recipe\n" +
		"0️⃣ 🔝 Main Menu"

	saveRecipeMenuText = "✅ Saved to your shopping list!\n" +
		"1️⃣ Find another recipe\n" +
		"0️⃣ 🔝 Main Menu"

	ingredientPromptText = "Any ingredients you'd like to include? Type them separated by commas.\n" +
		"1️⃣ Skip\n" +
		"0️⃣ 🔝 Main Menu"
)

var (
	defaultMealTypes = plainMealOptions("Breakfast", "Lunch", "Dinner", "Snack", "Dessert", "Salad", "Soup", "Smoothie")
	dietaryOptions   = []string{noPreference, "Vegetarian", "Vegan", "Gluten-free", "Dairy-free"}
)

// MealOption is one meal type menu entry. Name is the value matched against recipe meal types;
// Label is what the user sees.
type MealOption struct {
	Name  string
	Label string
}

func plainMealOptions(names ...string) []MealOption {
	opts := make([]MealOption, len(names))
	for i, n := range names {
		opts[i] = MealOption{Name: n, Label: n}
	}
	return opts
}

const maxMealTypes = 8

// MealTypeSource lists meal types, ordered by id.
type MealTypeSource interface {
	MealTypes(ctx context.Context) ([]store.MealType, error)
}

// LoadMealTypes returns the first eight meal types from src, or the built-in list when src is
// unavailable or empty. Rows without a name are skipped; a missing menu name falls back to the name.
func LoadMealTypes(ctx context.Context, src MealTypeSource, logger *zap.Logger) []MealOption {
	if logger == nil {
		logger = zap.NewNop()
	}
	rows, err := src.MealTypes(ctx)
	if err != nil {
		logger.Warn("failed to load meal types, using defaults", zap.Error(err))
		return defaultMealTypes
	}
	opts := make([]MealOption, 0, maxMealTypes)
	for _, r := range rows {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		label := strings.TrimSpace(r.MenuName)
		if label == "" {
			label = name
		}
		opts = append(opts, MealOption{Name: name, Label: label})
		if len(opts) == maxMealTypes {
			break
		}
	}
	if len(opts) == 0 {
		return defaultMealTypes
	}
	return opts
}

func numberedMenu(title string, options []string) string {
	var b strings.Builder
	b.WriteString(title)
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	b.WriteString("\n" + backToMainText)
	return b.String()
}

func mealTypeMenu(mealTypes []MealOption) string {
	labels := make([]string, len(mealTypes))
	for i, mt := range mealTypes {
		labels[i] = mt.Label
	}
	return numberedMenu("🍽 What kind of meal are you looking for?", labels)
}

func dietaryMenu() string {
	return numberedMenu("🥗 Any dietary preference?", dietaryOptions)
}

func resultsText(pdfLink string) string {
	if pdfLink == "" {
		return "View My Results\nYour results are not available yet.\n" + backToMainText
	}
	return "View My Results\n" + pdfLink + "\n" + backToMainText
}

func restrictionsText(r session.Restrictions) string {
	if len(r.HighFoods) == 0 && len(r.LowFoods) == 0 {
		return "✅ No food restrictions were found in your results.\n" + backToMainText
	}
	var b strings.Builder
	b.WriteString("*My Restrictions:*\n")
	if len(r.HighFoods) > 0 {
		b.WriteString("🔴 High sensitivity: " + strings.Join(r.HighFoods, ", ") + "\n")
	}
	if len(r.LowFoods) > 0 {
		b.WriteString("🟡 Low sensitivity: " + strings.Join(r.LowFoods, ", ") + "\n")
	}
	b.WriteString(backToMainText)
	return b.String()
}

func recipeDetails(r store.Recipe) string {
	return fmt.Sprintf("*Selected Recipe:*\n*Name:* %s\n*Preparation Time:* %d minutes\n*Foods:* %s\n*Ingredients:* %s",
		r.Name, r.Minutes, r.Foods, r.Ingredients)
}
