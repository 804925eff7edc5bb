package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbio.com/nutribot/internal/labresults"
	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
)

func TestRestrictionService_Resolve(t *testing.T) {
	lab := &fakeLabSource{result: &labresults.Result{High: []string{"F13", "F25"}, Low: []string{"F2"}}}
	foods := &fakeFoods{foods: []store.Food{
		{Name: "Peanut", LabCode: "F13"},
		{Name: "Hazelnut", LabCode: "F25"},
		{Name: "Milk", LabCode: "F2"},
	}}
	svc := NewRestrictionService(lab, foods, nil)

	sess := verifiedSession(session.MainMenu)
	require.NoError(t, svc.Resolve(context.Background(), sess))

	assert.True(t, sess.Restrictions.Resolved)
	assert.Equal(t, []string{"Peanut", "Hazelnut"}, sess.Restrictions.HighFoods)
	assert.Equal(t, []string{"Milk"}, sess.Restrictions.LowFoods)
	assert.Equal(t, []string{"F13", "F25"}, sess.Restrictions.HighCodes)

	require.NoError(t, svc.Resolve(context.Background(), sess))
	assert.Equal(t, 1, lab.calls)
}

func TestRestrictionService_NoLink(t *testing.T) {
	lab := &fakeLabSource{}
	svc := NewRestrictionService(lab, &fakeFoods{}, nil)

	sess := verifiedSession(session.MainMenu)
	sess.Profile.ASCIIResultLink = ""
	require.NoError(t, svc.Resolve(context.Background(), sess))

	assert.True(t, sess.Restrictions.Resolved)
	assert.Empty(t, sess.Restrictions.Banned())
	assert.Zero(t, lab.calls)
}

func TestRestrictionService_Failures(t *testing.T) {
	boom := errors.New("boom")

	svc := NewRestrictionService(&fakeLabSource{err: boom}, &fakeFoods{}, nil)
	sess := verifiedSession(session.MainMenu)
	err := svc.Resolve(context.Background(), sess)
	assert.Equal(t, KindRestrictionSource, KindOf(err))
	assert.ErrorIs(t, err, boom)
	assert.False(t, sess.Restrictions.Resolved)

	svc = NewRestrictionService(
		&fakeLabSource{result: &labresults.Result{High: []string{"F13"}}},
		&fakeFoods{err: boom}, nil)
	sess = verifiedSession(session.MainMenu)
	err = svc.Resolve(context.Background(), sess)
	assert.Equal(t, KindRestrictionSource, KindOf(err))
	assert.Empty(t, sess.Restrictions.HighFoods)
	assert.False(t, sess.Restrictions.Resolved)
}
