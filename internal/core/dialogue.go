package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
)

// anyInput matches input no exact token of the state handles.
const anyInput = "*"

// Outcome is the result of one dialogue step. Pipeline is set when a recommendation request should
// start. A discarded input changes nothing and must not be saved.
type Outcome struct {
	Next      session.State
	Messages  []string
	Pipeline  *session.PreferenceDraft
	Discarded bool
}

type handlerFunc func(ctx context.Context, sess *session.Session, input string) Outcome

type transitionKey struct {
	state session.State
	input string
}

// UserVerifier looks users up by channel id and client id.
type UserVerifier interface {
	FindUser(ctx context.Context, phone, clientID string) (*store.User, error)
	MarkVerified(ctx context.Context, userID int64) (*store.User, error)
}

type RestrictionResolver interface {
	Resolve(ctx context.Context, sess *session.Session) error
}

type FeedbackRecorder interface {
	Like(ctx context.Context, sess *session.Session) error
	Dislike(ctx context.Context, sess *session.Session, comment string) error
}

// Machine is the per-user dialogue. It holds no per-user state; everything lives on the session.
type Machine struct {
	users        UserVerifier
	restrictions RestrictionResolver
	feedback     FeedbackRecorder
	mealTypes    []MealOption
	logger       *zap.Logger

	table map[transitionKey]handlerFunc
}

type MachineOption func(*Machine)

// WithMealTypes replaces the built-in meal type menu. At most eight entries are used.
func WithMealTypes(opts []MealOption) MachineOption {
	return func(m *Machine) {
		if len(opts) > 0 {
			m.mealTypes = slices.Clone(opts[:min(len(opts), maxMealTypes)])
		}
	}
}

func WithMachineLogger(logger *zap.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewMachine(users UserVerifier, restrictions RestrictionResolver, feedback FeedbackRecorder, opts ...MachineOption) (*Machine, error) {
	if users == nil || restrictions == nil || feedback == nil {
		return nil, errors.New("dialogue machine requires users, restrictions and feedback")
	}
	m := &Machine{
		users:        users,
		restrictions: restrictions,
		feedback:     feedback,
		mealTypes:    defaultMealTypes,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.table = m.transitions()
	if err := validateTable(m.table); err != nil {
		return nil, err
	}
	return m, nil
}

// validateTable requires a wildcard for every state and a "0" escape for every state a user can
// leave on their own.
func validateTable(table map[transitionKey]handlerFunc) error {
	var errs []error
	seen := map[session.State]bool{}
	for key := range table {
		if !key.state.Valid() {
			errs = append(errs, fmt.Errorf("transition for unknown state %q", key.state))
			continue
		}
		seen[key.state] = true
	}
	for _, st := range session.States() {
		if !seen[st] {
			errs = append(errs, fmt.Errorf("state %s has no transitions", st))
			continue
		}
		if _, ok := table[transitionKey{st, anyInput}]; !ok {
			errs = append(errs, fmt.Errorf("state %s has no wildcard transition", st))
		}
		if st == session.AwaitingVerification || st == session.WaitingForPipeline {
			continue
		}
		if _, ok := table[transitionKey{st, "0"}]; !ok {
			errs = append(errs, fmt.Errorf("state %s has no way back to the main menu", st))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid transition table: %w", errors.Join(errs...))
	}
	return nil
}

func (m *Machine) transitions() map[transitionKey]handlerFunc {
	t := map[transitionKey]handlerFunc{}
	on := func(st session.State, input string, h handlerFunc) {
		t[transitionKey{st, input}] = h
	}

	on(session.AwaitingVerification, anyInput, m.verify)

	on(session.MainMenu, "1", m.viewResults)
	on(session.MainMenu, "2", m.viewRestrictions)
	on(session.MainMenu, "3", m.startRecipeSearch)
	on(session.MainMenu, "4", reply(session.MainMenu, msgAssistantSoon, mainMenuText))
	on(session.MainMenu, "0", m.toMainMenu)
	on(session.MainMenu, anyInput, reply(session.MainMenu, msgInvalidOption, mainMenuText))

	for _, st := range []session.State{session.ViewResults, session.ViewRestrictions} {
		on(st, "0", m.toMainMenu)
		on(st, anyInput, reply(st, msgPressZero))
	}

	for i := range m.mealTypes {
		on(session.ChooseMealType, strconv.Itoa(i+1), m.chooseMealType)
	}
	on(session.ChooseMealType, "0", m.toMainMenu)
	on(session.ChooseMealType, anyInput, func(context.Context, *session.Session, string) Outcome {
		return Outcome{Next: session.ChooseMealType, Messages: []string{msgInvalidOption, mealTypeMenu(m.mealTypes)}}
	})

	for i := range dietaryOptions {
		on(session.DietaryFilter, strconv.Itoa(i+1), m.chooseDietary)
	}
	on(session.DietaryFilter, "0", m.toMainMenu)
	on(session.DietaryFilter, anyInput, reply(session.DietaryFilter, msgInvalidOption, dietaryMenu()))

	on(session.IngredientFilter, "1", func(ctx context.Context, sess *session.Session, _ string) Outcome {
		return m.submitDraft(ctx, sess, "")
	})
	on(session.IngredientFilter, "0", m.toMainMenu)
	on(session.IngredientFilter, anyInput, m.submitDraft)

	on(session.WaitingForPipeline, anyInput, func(context.Context, *session.Session, string) Outcome {
		return Outcome{Next: session.WaitingForPipeline, Discarded: true}
	})

	on(session.ShowRecommendation, "1", m.like)
	on(session.ShowRecommendation, "2", reply(session.AskDislikeReason, msgDislikePrompt))
	on(session.ShowRecommendation, "3", m.showAnother)
	on(session.ShowRecommendation, "0", m.toMainMenu)
	on(session.ShowRecommendation, anyInput, reply(session.ShowRecommendation, msgInvalidOption, recommendationOptionsText))

	on(session.AskDislikeReason, "0", m.toMainMenu)
	on(session.AskDislikeReason, anyInput, m.dislike)

	on(session.SaveRecipeMenu, "1", m.startRecipeSearch)
	on(session.SaveRecipeMenu, "0", m.toMainMenu)
	on(session.SaveRecipeMenu, anyInput, reply(session.SaveRecipeMenu, msgInvalidOption, saveRecipeMenuText))

	return t
}

func reply(next session.State, messages ...string) handlerFunc {
	return func(context.Context, *session.Session, string) Outcome {
		return Outcome{Next: next, Messages: messages}
	}
}

// Start greets a user that has no session yet. The message that created the session is never treated
// as a client id.
func (m *Machine) Start(sess *session.Session) Outcome {
	sess.State = session.AwaitingVerification
	return Outcome{Next: session.AwaitingVerification, Messages: []string{msgGreeting}}
}

// Handle runs the transition for the session's state and input, and moves the session to the next
// state unless the input was discarded.
func (m *Machine) Handle(ctx context.Context, sess *session.Session, input string) Outcome {
	input = strings.TrimSpace(input)

	h, ok := m.table[transitionKey{sess.State, input}]
	if !ok {
		h, ok = m.table[transitionKey{sess.State, anyInput}]
	}
	if !ok {
		// unreachable with a validated table and a decoded session
		m.logger.Error("no transition for state", zap.String("state", string(sess.State)))
		sess.State = session.MainMenu
		return Outcome{Next: session.MainMenu, Messages: []string{msgApology, mainMenuText}}
	}

	out := h(ctx, sess, input)
	if !out.Discarded {
		sess.State = out.Next
	}
	return out
}

// Complete applies a pipeline result to a session that is waiting for one.
func (m *Machine) Complete(sess *session.Session, rec *Recommendation, err error) Outcome {
	var out Outcome
	switch {
	case err != nil && KindOf(err) == KindSelectionMismatch:
		m.logger.Warn("recipe selection mismatch", zap.String("user_id", sess.UserID), zap.Error(err))
		out = Outcome{Next: session.MainMenu, Messages: []string{msgSelectionFallback, mainMenuText}}
	case err != nil:
		m.logger.Error("recommendation pipeline failed", zap.String("user_id", sess.UserID), zap.Error(err))
		out = Outcome{Next: session.MainMenu, Messages: []string{msgApology, mainMenuText}}
	case rec == nil || rec.NoMatch:
		out = Outcome{Next: session.MainMenu, Messages: []string{msgNoMatch, mainMenuText}}
	default:
		sess.SetRecommendation(rec.Selected, rec.Alternatives)
		body := recipeDetails(rec.Selected)
		if rec.Explanation != "" {
			body = rec.Explanation + "\n\n" + body
		}
		out = Outcome{Next: session.ShowRecommendation, Messages: []string{body, recommendationOptionsText}}
	}
	sess.PendingRun = ""
	sess.State = out.Next
	return out
}

func (m *Machine) toMainMenu(context.Context, *session.Session, string) Outcome {
	return Outcome{Next: session.MainMenu, Messages: []string{mainMenuText}}
}

func (m *Machine) verify(ctx context.Context, sess *session.Session, input string) Outcome {
	stay := func(msg string) Outcome {
		return Outcome{Next: session.AwaitingVerification, Messages: []string{msg}}
	}
	if input == "" {
		return stay(msgInvalidClientID)
	}

	user, err := m.users.FindUser(ctx, sess.UserID, input)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("client id not found", zap.String("user_id", sess.UserID))
		return stay(msgInvalidClientID)
	}
	if err != nil {
		m.logger.Error("user lookup failed", zap.String("user_id", sess.UserID),
			zap.Error(newError(KindVerification, "dialogue.verify", err)))
		return stay(msgApology)
	}

	if !user.Verified {
		user, err = m.users.MarkVerified(ctx, user.ID)
		if err != nil {
			m.logger.Error("failed to mark user verified", zap.String("user_id", sess.UserID),
				zap.Error(newError(KindVerification, "dialogue.verify", err)))
			return stay(msgApology)
		}
	}

	sess.Profile = session.Profile{
		UserID:          user.ID,
		ClientID:        user.ClientID,
		Verified:        true,
		PDFResultLink:   user.PDFResultLink,
		ASCIIResultLink: user.ASCIIResultLink,
	}
	m.logger.Info("user verified", zap.String("user_id", sess.UserID), zap.Int64("db_user_id", user.ID))
	return Outcome{Next: session.MainMenu, Messages: []string{msgVerified, mainMenuText}}
}

func (m *Machine) viewResults(_ context.Context, sess *session.Session, _ string) Outcome {
	return Outcome{Next: session.ViewResults, Messages: []string{resultsText(sess.Profile.PDFResultLink)}}
}

func (m *Machine) viewRestrictions(ctx context.Context, sess *session.Session, _ string) Outcome {
	if err := m.restrictions.Resolve(ctx, sess); err != nil {
		m.logger.Warn("failed to resolve restrictions", zap.String("user_id", sess.UserID), zap.Error(err))
		return Outcome{Next: session.ViewRestrictions, Messages: []string{msgRestrictionsFailed + "\n" + backToMainText}}
	}
	return Outcome{Next: session.ViewRestrictions, Messages: []string{restrictionsText(sess.Restrictions)}}
}

func (m *Machine) startRecipeSearch(_ context.Context, sess *session.Session, _ string) Outcome {
	sess.StartDraft()
	return Outcome{Next: session.ChooseMealType, Messages: []string{mealTypeMenu(m.mealTypes)}}
}

func (m *Machine) chooseMealType(_ context.Context, sess *session.Session, input string) Outcome {
	idx, _ := strconv.Atoi(input)
	sess.Draft.MealType = m.mealTypes[idx-1].Name
	return Outcome{Next: session.DietaryFilter, Messages: []string{dietaryMenu()}}
}

func (m *Machine) chooseDietary(_ context.Context, sess *session.Session, input string) Outcome {
	idx, _ := strconv.Atoi(input)
	sess.Draft.DietaryPreference = dietaryOptions[idx-1]
	return Outcome{Next: session.IngredientFilter, Messages: []string{ingredientPromptText}}
}

// submitDraft completes the draft with restrictions and past dislikes and hands a copy to the pipeline.
func (m *Machine) submitDraft(ctx context.Context, sess *session.Session, include string) Outcome {
	sess.Draft.IncludeIngredients = truncateRunes(include, maxFreeTextRunes)

	var messages []string
	if err := m.restrictions.Resolve(ctx, sess); err != nil {
		m.logger.Warn("proceeding without restrictions", zap.String("user_id", sess.UserID), zap.Error(err))
		messages = append(messages, msgRestrictionsNotice)
	}
	sess.Draft.BannedFoods = sess.Restrictions.Banned()
	sess.Draft.DislikedRecipeIDs = slices.Clone(sess.DislikedRecipeIDs)
	sess.Draft.DislikedComments = slices.Clone(sess.DislikedComments)

	draft := sess.Draft.Clone()
	sess.PendingRun = uuid.NewString()
	messages = append(messages, msgLooking)
	return Outcome{Next: session.WaitingForPipeline, Messages: messages, Pipeline: &draft}
}

func (m *Machine) like(ctx context.Context, sess *session.Session, _ string) Outcome {
	if err := m.feedback.Like(ctx, sess); err != nil {
		m.logger.Error("failed to record like", zap.String("user_id", sess.UserID), zap.Error(err))
		return Outcome{Next: session.MainMenu, Messages: []string{msgApology, mainMenuText}}
	}
	return Outcome{Next: session.SaveRecipeMenu, Messages: []string{saveRecipeMenuText}}
}

func (m *Machine) showAnother(_ context.Context, sess *session.Session, _ string) Outcome {
	next, ok := sess.NextAlternative()
	if !ok {
		return Outcome{Next: session.ShowRecommendation, Messages: []string{msgNoMoreAlternatives, recommendationOptionsText}}
	}
	return Outcome{Next: session.ShowRecommendation, Messages: []string{recipeDetails(next), recommendationOptionsText}}
}

func (m *Machine) dislike(ctx context.Context, sess *session.Session, input string) Outcome {
	if sess.Selected == nil {
		return Outcome{Next: session.MainMenu, Messages: []string{mainMenuText}}
	}
	comment := truncateRunes(input, maxFreeTextRunes)
	sess.AddDislike(sess.Selected.ID, comment)

	if err := m.feedback.Dislike(ctx, sess, comment); err != nil {
		m.logger.Error("failed to record dislike", zap.String("user_id", sess.UserID), zap.Error(err))
		return Outcome{Next: session.MainMenu, Messages: []string{msgApology, mainMenuText}}
	}
	return Outcome{Next: session.MainMenu, Messages: []string{msgDislikeThanks, mainMenuText}}
}
