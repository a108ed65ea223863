package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

func newStores(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// forEachStore 在两种存储上运行同一组断言
func forEachStore(t *testing.T, fn func(t *testing.T, l *Ledger)) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			l := New(open())
			var clock int64 = 1000
			l.now = func() int64 {
				clock++
				return clock
			}
			fn(t, l)
		})
	}
}

func newSession(id, code string, mode models.Mode) *models.Session {
	rules, _ := models.ResolveRules(mode)
	return &models.Session{ID: id, SubjectCode: code, SubjectName: "贵州茅台", Mode: mode, Rules: rules}
}

func TestAppendMerge(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeRealtimeDebate)))

		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBull, Round: 1, IsStreaming: true}))
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBull, Content: "估值", IsStreaming: true}))
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBull, Content: "合理", IsStreaming: true}))

		sess, err := l.Get(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, sess.Messages, 1)
		assert.Equal(t, "估值合理", sess.Messages[0].Content, "中间态按增量拼接")
		assert.True(t, sess.Messages[0].IsStreaming)
		assert.Equal(t, 1, sess.Messages[0].Round)

		final := models.Message{ID: "m1", Role: models.RoleBull, Content: "估值合理，继续持有", Round: 1}
		require.NoError(t, l.Append(ctx, "s1", final))
		before, err := l.Get(ctx, "s1")
		require.NoError(t, err)

		// 终态重复追加不产生任何可观察变化
		require.NoError(t, l.Append(ctx, "s1", final))
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBull, Content: "迟到的增量", IsStreaming: true}))
		after, err := l.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Equal(t, "估值合理，继续持有", after.Messages[0].Content)
		assert.False(t, after.Messages[0].IsStreaming)
	})
}

func TestSnapshotPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeParallel)))

		require.NoError(t, l.Snapshot(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBear, Content: "风险", IsStreaming: true}))
		require.NoError(t, l.Snapshot(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBear, Content: "风险偏高", IsStreaming: true}))
		require.NoError(t, l.Snapshot(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBear, Content: "另一段", IsStreaming: true}))
		require.NoError(t, l.Snapshot(ctx, "s1", models.Message{ID: "m1", Role: models.RoleBear, Content: "风险", IsStreaming: true}))

		msg, err := l.Store().GetMessage(ctx, "s1", "m1")
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "风险偏高", msg.Content)
	})
}

func TestMessageOrderPreserved(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeRealtimeDebate)))
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, l.Append(ctx, "s1", models.Message{ID: id, Role: models.RoleBull, IsStreaming: true}))
		}
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "a", Role: models.RoleBull, Content: "done"}))

		sess, err := l.Get(ctx, "s1")
		require.NoError(t, err)
		var ids []string
		for _, m := range sess.Messages {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})
}

func TestTerminalSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeQuickAnalysis)))
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "q", Role: models.RoleQuick, Content: "部分", IsStreaming: true}))
		require.NoError(t, l.RecordPhase(ctx, "s1", models.PhaseRecord{Phase: models.PhaseAnalyzing}))

		require.NoError(t, l.MarkInterrupted(ctx, "s1", "timeout"))
		require.NoError(t, l.MarkInterrupted(ctx, "s1", "other"), "重复标记无副作用")

		sess, err := l.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusInterrupted, sess.Status)
		assert.Equal(t, "timeout", sess.Reason)
		assert.False(t, sess.Messages[0].IsStreaming, "中断时流式消息定稿")
		assert.True(t, sess.Messages[0].Interrupted)
		assert.Equal(t, "部分", sess.Messages[0].Content)
		assert.False(t, sess.Resumable(), "只有被打断的发言不能恢复")
		require.Len(t, sess.Phases, 1)

		err = l.Append(ctx, "s1", models.Message{ID: "x", Role: models.RoleBull})
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.ErrorIs(t, l.Complete(ctx, "s1", models.Result{}), ErrSessionClosed)
		assert.ErrorIs(t, l.RecordPhase(ctx, "s1", models.PhaseRecord{Phase: models.PhaseComplete}), ErrSessionClosed)

		// 追问消息不受终态限制
		require.NoError(t, l.AppendFollowUp(ctx, "s1", models.Message{ID: "f1", Role: models.RoleUser, Content: "为什么？"}))
		sess, err = l.Get(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, sess.Messages, 2)
		assert.True(t, sess.Messages[1].FollowUp)
	})
}

func TestCompleteStoresResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeParallel)))
		plan := &models.SearchPlan{PlanID: "p1", Status: models.SearchCancelled}
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "dc", Role: models.RoleDataCollector, Plan: plan}))

		res := models.Result{Bull: "多", Bear: "空", Manager: "评级：持有", Rating: "持有", ExecutionTime: 1500}
		require.NoError(t, l.Complete(ctx, "s1", res))

		sess, err := l.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, sess.Status)
		require.NotNil(t, sess.Result)
		assert.Equal(t, res, *sess.Result)
		require.NotNil(t, sess.Messages[0].Plan)
		assert.Equal(t, models.SearchCancelled, sess.Messages[0].Plan.Status)
	})
}

func TestGetLatestInProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		_, err := l.GetLatestInProgress(ctx, "SH600519")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		require.NoError(t, l.Create(ctx, newSession("old", "SH600519", models.ModeParallel)))
		require.NoError(t, l.Create(ctx, newSession("done", "SH600519", models.ModeQuickAnalysis)))
		require.NoError(t, l.Create(ctx, newSession("other", "SZ000001", models.ModeParallel)))
		require.NoError(t, l.Complete(ctx, "done", models.Result{Quick: "ok"}))
		require.NoError(t, l.Append(ctx, "old", models.Message{ID: "m", Role: models.RoleBull, Content: "x"}))

		sess, err := l.GetLatestInProgress(ctx, "SH600519")
		require.NoError(t, err)
		assert.Equal(t, "old", sess.ID)
		assert.Len(t, sess.Messages, 1)

		latest, err := l.Latest(ctx, "SH600519")
		require.NoError(t, err)
		assert.Equal(t, "old", latest.ID, "追加消息刷新更新时间")

		heads, err := l.List(ctx, "SH600519")
		require.NoError(t, err)
		assert.Len(t, heads, 2)
	})
}

func TestResumableNeedsCompletedMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeRealtimeDebate)))
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "b1", Role: models.RoleBull, Round: 1, Content: "估值合理"}))
		require.NoError(t, l.Append(ctx, "s1", models.Message{ID: "r1", Role: models.RoleBear, Round: 1, Content: "需求", IsStreaming: true}))
		require.NoError(t, l.MarkInterrupted(ctx, "s1", "user-cancelled"))

		sess, err := l.Get(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, sess.Messages, 2)
		assert.True(t, sess.Messages[0].Completed())
		assert.False(t, sess.Messages[0].Interrupted)
		assert.False(t, sess.Messages[1].Completed())
		assert.True(t, sess.Messages[1].Interrupted)
		assert.True(t, sess.Resumable())
	})
}

func TestListInProgressAndLatestFinished(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Create(ctx, newSession("a", "SH600519", models.ModeQuickAnalysis)))
		require.NoError(t, l.Create(ctx, newSession("b", "SZ000858", models.ModeParallel)))
		require.NoError(t, l.Create(ctx, newSession("c", "SH600519", models.ModeQuickAnalysis)))
		require.NoError(t, l.Complete(ctx, "a", models.Result{Quick: "ok"}))

		heads, err := l.ListInProgress(ctx)
		require.NoError(t, err)
		var got []string
		for _, h := range heads {
			got = append(got, h.ID)
		}
		assert.ElementsMatch(t, []string{"b", "c"}, got)

		finished, err := l.LatestFinished(ctx, "SH600519")
		require.NoError(t, err)
		assert.Equal(t, "a", finished.ID)

		_, err = l.LatestFinished(ctx, "SZ000858")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "列已存在时不重复添加")
}

func TestCreateValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		err := l.Create(ctx, &models.Session{ID: "s1", SubjectCode: "SH600519", Mode: "debate"})
		assert.ErrorIs(t, err, models.ErrProtocolViolation)

		require.NoError(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeParallel)))
		assert.ErrorIs(t, l.Create(ctx, newSession("s1", "SH600519", models.ModeParallel)), ErrSessionExists)

		_, err = l.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestConcurrentAppendsPerSession(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Create(ctx, newSession(fmt.Sprint("s", i), fmt.Sprint("SH60000", i), models.ModeParallel)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		sid := fmt.Sprint("s", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.Append(ctx, sid, models.Message{ID: "m", Role: models.RoleBull, Content: "x", IsStreaming: true})
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		msg, err := l.Store().GetMessage(ctx, fmt.Sprint("s", i), "m")
		require.NoError(t, err)
		assert.Len(t, msg.Content, 50)
	}
	assert.Empty(t, l.locks, "锁条目应在释放后回收")
}
