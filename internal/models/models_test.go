package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRules(t *testing.T) {
	t.Run("各模式默认值", func(t *testing.T) {
		r, err := ResolveRules(ModeRealtimeDebate)
		require.NoError(t, err)
		assert.Equal(t, 3, r.MaxRounds)
		assert.True(t, r.ManagerCanInterrupt)
		assert.True(t, r.RequireDataCollection)

		r, err = ResolveRules(ModeQuickAnalysis)
		require.NoError(t, err)
		assert.Equal(t, 1, r.MaxRounds)
		assert.False(t, r.RequireDataCollection)

		r, err = ResolveRules(ModeParallel)
		require.NoError(t, err)
		assert.False(t, r.ManagerCanInterrupt)
	})

	t.Run("非法模式", func(t *testing.T) {
		_, err := ResolveRules(Mode("chat"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProtocolViolation))

		_, err = ParseMode("debate")
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("覆盖单个字段", func(t *testing.T) {
		base, _ := ResolveRules(ModeRealtimeDebate)
		rounds := 2
		off := false
		maxTime := 30 * time.Second
		r := base.Apply(&RulesOverride{MaxRounds: &rounds, RequireDataCollection: &off, MaxTime: &maxTime})
		assert.Equal(t, 2, r.MaxRounds)
		assert.False(t, r.RequireDataCollection)
		assert.True(t, r.ManagerCanInterrupt)
		assert.Equal(t, 30*time.Second, r.MaxTime)
		assert.Equal(t, 3, base.MaxRounds, "覆盖不应修改原规则")
	})
}

func TestSearchStatusTransitions(t *testing.T) {
	all := []SearchStatus{SearchPending, SearchExecuting, SearchCompleted, SearchCancelled}
	allowed := map[[2]SearchStatus]bool{
		{SearchPending, SearchExecuting}:   true,
		{SearchPending, SearchCancelled}:   true,
		{SearchExecuting, SearchCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]SearchStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("data_collector")
	require.NoError(t, err)
	assert.Equal(t, RoleDataCollector, r)

	_, err = ParseRole("moderator")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSessionResumable(t *testing.T) {
	s := &Session{Status: StatusInterrupted, Messages: []Message{
		{ID: "1", Role: RoleBull, Content: "看多", IsStreaming: true},
		{ID: "u", Role: RoleUser, Content: "@空头 说说"},
		{ID: "3", Role: RoleBear, Content: "半句", Interrupted: true},
	}}
	assert.False(t, s.Resumable(), "流式中、用户插话与被打断的发言都不算")

	s.Messages = append(s.Messages, Message{ID: "2", Role: RoleBear, Content: "看空"})
	assert.True(t, s.Resumable())

	s.Status = StatusCompleted
	assert.False(t, s.Resumable())
}
