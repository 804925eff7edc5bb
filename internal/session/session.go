package session

import (
	"fmt"
	"slices"
	"time"

	"rbio.com/nutribot/internal/store"
)

// State is a dialogue state. Only the constants below are valid; decoding anything else fails.
type State string

const (
	AwaitingVerification State = "AWAITING_VERIFICATION"
	MainMenu             State = "MAIN_MENU"
	ViewResults          State = "VIEW_RESULTS"
	ViewRestrictions     State = "VIEW_RESTRICTIONS"
	ChooseMealType       State = "CHOOSE_MEAL_TYPE"
	DietaryFilter        State = "DIETARY_FILTER"
	IngredientFilter     State = "INGREDIENT_FILTER"
	WaitingForPipeline   State = "WAITING_FOR_PIPELINE"
	ShowRecommendation   State = "SHOW_RECOMMENDATION"
	AskDislikeReason     State = "ASK_DISLIKE_REASON"
	SaveRecipeMenu       State = "SAVE_RECIPE_MENU"
)

var allStates = []State{
	AwaitingVerification,
	MainMenu,
	ViewResults,
	ViewRestrictions,
	ChooseMealType,
	DietaryFilter,
	IngredientFilter,
	WaitingForPipeline,
	ShowRecommendation,
	AskDislikeReason,
	SaveRecipeMenu,
}

// States returns every valid state in declaration order.
func States() []State {
	return slices.Clone(allStates)
}

func (s State) Valid() bool {
	return slices.Contains(allStates, s)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid session state %q", string(s))
	}
	return []byte(s), nil
}

func (s *State) UnmarshalText(text []byte) error {
	st := State(text)
	if !st.Valid() {
		return fmt.Errorf("invalid session state %q", string(text))
	}
	*s = st
	return nil
}

type Profile struct {
	UserID          int64  `json:"user_id"`
	ClientID        string `json:"client_id"`
	Verified        bool   `json:"verified"`
	PDFResultLink   string `json:"pdf_result_link"`
	ASCIIResultLink string `json:"ascii_result_link"`
}

// PreferenceDraft collects one recommendation request. Clone it before handing it to the pipeline.
type PreferenceDraft struct {
	MealType           string   `json:"meal_type"`
	DietaryPreference  string   `json:"dietary_preference"`
	IncludeIngredients string   `json:"include_ingredients"`
	AdditionalNotes    string   `json:"additional_notes"`
	BannedFoods        []string `json:"banned_foods"`
	DislikedRecipeIDs  []int64  `json:"disliked_recipe_ids"`
	DislikedComments   []string `json:"disliked_comments"`
}

func (d PreferenceDraft) Clone() PreferenceDraft {
	d.BannedFoods = slices.Clone(d.BannedFoods)
	d.DislikedRecipeIDs = slices.Clone(d.DislikedRecipeIDs)
	d.DislikedComments = slices.Clone(d.DislikedComments)
	return d
}

type Restrictions struct {
	Resolved  bool     `json:"resolved"`
	HighFoods []string `json:"high_foods"`
	LowFoods  []string `json:"low_foods"`
	HighCodes []string `json:"high_codes"`
	LowCodes  []string `json:"low_codes"`
}

// Banned returns high then low sensitivity food names without duplicates.
func (r Restrictions) Banned() []string {
	out := make([]string, 0, len(r.HighFoods)+len(r.LowFoods))
	for _, f := range append(slices.Clone(r.HighFoods), r.LowFoods...) {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

type Session struct {
	UserID       string          `json:"user_id"`
	State        State           `json:"state"`
	Profile      Profile         `json:"profile"`
	Draft        PreferenceDraft `json:"draft"`
	Restrictions Restrictions    `json:"restrictions"`

	// Disliked recipes persist across recommendation cycles for the session's lifetime.
	DislikedRecipeIDs []int64  `json:"disliked_recipe_ids"`
	DislikedComments  []string `json:"disliked_comments"`

	Selected   *store.Recipe  `json:"selected,omitempty"`
	Candidates []store.Recipe `json:"candidates"`
	Cursor     int            `json:"cursor"`

	// PendingRun identifies the recommendation run the session is waiting for. Results of any other
	// run are stale.
	PendingRun string `json:"pending_run,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func New(userID string) *Session {
	return &Session{
		UserID: userID,
		State:  AwaitingVerification,
	}
}

// StartDraft discards any previous draft and recommendation cycle.
func (s *Session) StartDraft() {
	s.Draft = PreferenceDraft{}
	s.Selected = nil
	s.Candidates = nil
	s.Cursor = 0
}

// SetRecommendation starts a new pagination cycle over alternatives.
func (s *Session) SetRecommendation(selected store.Recipe, alternatives []store.Recipe) {
	s.Selected = &selected
	s.Candidates = slices.Clone(alternatives)
	s.Cursor = 0
}

// NextAlternative returns the alternative at the cursor and advances it. The cursor never moves back,
// so ok is false for the rest of the cycle once the list is exhausted.
func (s *Session) NextAlternative() (store.Recipe, bool) {
	if s.Cursor >= len(s.Candidates) {
		return store.Recipe{}, false
	}
	r := s.Candidates[s.Cursor]
	s.Cursor++
	s.Selected = &r
	return r, true
}

func (s *Session) AddDislike(recipeID int64, comment string) {
	if !slices.Contains(s.DislikedRecipeIDs, recipeID) {
		s.DislikedRecipeIDs = append(s.DislikedRecipeIDs, recipeID)
	}
	if comment != "" {
		s.DislikedComments = append(s.DislikedComments, comment)
	}
}
