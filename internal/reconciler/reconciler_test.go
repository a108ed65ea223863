package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

func newLedger(t *testing.T, id string, mode models.Mode) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	rules, err := models.ResolveRules(mode)
	require.NoError(t, err)
	require.NoError(t, l.Create(context.Background(), &models.Session{ID: id, SubjectCode: "SH600519", Mode: mode, Rules: rules}))
	return l
}

// numbered 按发送顺序补上 seq
func numbered(evs ...stream.Envelope) []stream.Envelope {
	for i := range evs {
		evs[i].Seq = uint64(i + 1)
	}
	return evs
}

func debateEvents() []stream.Envelope {
	pending := &models.SearchPlan{PlanID: "plan-1", SessionID: "s1", Status: models.SearchPending,
		Tasks: []models.SearchTask{{ID: "task-1", Source: "news", Query: "茅台 批价"}}}
	done := pending.Clone()
	done.Status = models.SearchCompleted

	return numbered(
		stream.Phase(models.PhaseStart, 0, 0),
		stream.Phase(models.PhaseDataCollection, 0, 0),
		stream.TaskPlan(pending),
		stream.AgentStart(models.RoleDataCollector, "m0", 0),
		stream.AgentChunk(models.RoleDataCollector, "m0", "批价稳定", 0),
		stream.AgentEnd(models.RoleDataCollector, "m0", "批价稳定", 0),
		stream.TaskPlan(done),
		stream.Phase(models.PhaseDebate, 1, 1),
		stream.AgentStart(models.RoleBull, "m1", 1),
		stream.AgentChunk(models.RoleBull, "m1", "看多", 1),
		stream.AgentChunk(models.RoleBull, "m1", "理由", 1),
		stream.AgentEnd(models.RoleBull, "m1", "看多理由", 1),
		stream.AgentStart(models.RoleBear, "m2", 1),
		stream.AgentEnd(models.RoleBear, "m2", "看空", 1),
		stream.Phase(models.PhaseDecision, 0, 0),
		stream.AgentStart(models.RoleManager, "m3", 0),
		stream.AgentEnd(models.RoleManager, "m3", "评级：持有", 0),
		stream.Result(models.Result{Bull: "看多理由", Bear: "看空", Manager: "评级：持有", Rating: "持有"}),
	)
}

func TestApplyRebuildsSession(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeRealtimeDebate)
	r := New(l, "s1", Config{})

	for _, ev := range debateEvents() {
		require.NoError(t, r.Apply(ctx, ev), ev.Type)
	}
	assert.True(t, r.Terminal())

	sess, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, sess.Status)
	require.Len(t, sess.Messages, 5)

	assert.Equal(t, "plan-1", sess.Messages[0].ID)
	assert.Equal(t, models.SearchCompleted, sess.Messages[0].Plan.Status)
	assert.False(t, sess.Messages[0].IsStreaming)

	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, []string{
		sess.Messages[1].ID, sess.Messages[2].ID, sess.Messages[3].ID, sess.Messages[4].ID,
	})
	assert.Equal(t, "看多理由", sess.Messages[2].Content)
	assert.Equal(t, 1, sess.Messages[2].Round)
	for _, m := range sess.Messages {
		assert.False(t, m.IsStreaming, m.ID)
	}
	assert.Equal(t, "持有", sess.Result.Rating)
	assert.Len(t, sess.Phases, 4)
}

func TestApplyIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeRealtimeDebate)
	r := New(l, "s1", Config{})

	evs := debateEvents()
	for _, ev := range evs[:12] {
		require.NoError(t, r.Apply(ctx, ev))
	}
	before, err := l.Get(ctx, "s1")
	require.NoError(t, err)

	// 重连后服务端重放了已处理的事件
	for _, ev := range evs[:12] {
		require.NoError(t, r.Apply(ctx, ev))
	}
	after, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOneOpenMessagePerRole(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeParallel)
	r := New(l, "s1", Config{})

	require.NoError(t, r.Apply(ctx, stream.AgentStart(models.RoleBull, "m1", 0)))
	require.NoError(t, r.Apply(ctx, stream.AgentStart(models.RoleBear, "m2", 0)))
	assert.ErrorIs(t, r.Apply(ctx, stream.AgentStart(models.RoleBull, "m3", 0)), ErrRoleAlreadyOpen)
	assert.ErrorIs(t, r.Apply(ctx, stream.AgentChunk(models.RoleManager, "m4", "x", 0)), ErrNoOpenMessage)
	assert.ErrorIs(t, r.Apply(ctx, stream.AgentStart(models.RoleBull, "m3", 0)), models.ErrProtocolViolation)
}

func TestFlushSnapshotsStreamingContent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeQuickAnalysis)
	r := New(l, "s1", Config{})

	require.NoError(t, r.Apply(ctx, stream.AgentStart(models.RoleQuick, "m1", 0)))
	require.NoError(t, r.Apply(ctx, stream.AgentChunk(models.RoleQuick, "m1", "要点一", 0)))
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Apply(ctx, stream.AgentChunk(models.RoleQuick, "m1", "；要点二", 0)))
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Flush(ctx))

	sess, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "要点一；要点二", sess.Messages[0].Content)
	assert.True(t, sess.Messages[0].IsStreaming)
}

func TestErrorInterruptsAndFinalizes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeParallel)
	r := New(l, "s1", Config{})

	require.NoError(t, r.Apply(ctx, stream.AgentStart(models.RoleBull, "m1", 0)))
	require.NoError(t, r.Apply(ctx, stream.AgentChunk(models.RoleBull, "m1", "半句", 0)))
	require.NoError(t, r.Apply(ctx, stream.Error("rate limited", nil, models.RoleBear)))
	assert.ErrorIs(t, r.Apply(ctx, stream.Result(models.Result{})), ErrAfterTerminal)

	sess, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInterrupted, sess.Status)
	assert.Equal(t, "rate limited", sess.Reason)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "半句", sess.Messages[0].Content)
	assert.False(t, sess.Messages[0].IsStreaming)
	assert.True(t, sess.Messages[0].Interrupted, "没有 agent:end 的发言标记为被打断")
	assert.False(t, sess.Resumable())
}

func TestConsumeWithoutTerminalEvent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeQuickAnalysis)
	r := New(l, "s1", Config{SnapshotInterval: time.Millisecond})

	ch := make(chan stream.Envelope, 4)
	ch <- stream.AgentStart(models.RoleQuick, "m1", 0)
	ch <- stream.AgentChunk(models.RoleQuick, "m1", "写到一半", 0)
	close(ch)

	require.NoError(t, r.Consume(ctx, ch))

	sess, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInterrupted, sess.Status)
	assert.Equal(t, ReasonDisconnected, sess.Reason)
	assert.Equal(t, "写到一半", sess.Messages[0].Content)
}

func TestFollowUpOnCompletedSession(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s1", models.ModeQuickAnalysis)
	require.NoError(t, l.Complete(ctx, "s1", models.Result{Quick: "原结论"}))

	r := New(l, "s1", Config{FollowUp: true})
	require.NoError(t, r.Apply(ctx, stream.AgentStart(models.RoleManager, "f1", 0)))
	require.NoError(t, r.Apply(ctx, stream.AgentChunk(models.RoleManager, "f1", "维持", 0)))
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Apply(ctx, stream.AgentEnd(models.RoleManager, "f1", "维持判断", 0)))
	require.NoError(t, r.Apply(ctx, stream.Complete(models.RoleManager, "f1", "维持判断")))

	sess, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, sess.Status)
	assert.Equal(t, "原结论", sess.Result.Quick)
	require.Len(t, sess.Messages, 1)
	assert.True(t, sess.Messages[0].FollowUp)
	assert.Equal(t, "维持判断", sess.Messages[0].Content)
}

func TestFollowUpOwnsSession(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "s2", models.ModeQuickAnalysis)

	r := New(l, "s2", Config{FollowUp: true, OwnsSession: true})
	require.NoError(t, r.Apply(ctx, stream.AgentStart(models.RoleManager, "f1", 0)))
	require.NoError(t, r.Apply(ctx, stream.AgentEnd(models.RoleManager, "f1", "答复", 0)))
	require.NoError(t, r.Apply(ctx, stream.Complete(models.RoleManager, "f1", "答复")))

	sess, err := l.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, sess.Status)
	assert.Equal(t, "答复", sess.Result.Manager)
}
