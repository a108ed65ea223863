package meeting

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/metrics"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/negotiator"
	"github.com/run-bigpig/jcp-debate/internal/search"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

// fakeCapability 按角色编排输出的发言能力
type fakeCapability struct {
	mu     sync.Mutex
	chunks map[models.Role][]string
	fail   map[models.Role]error
	gate   func(req agent.Request) <-chan struct{}
	// stall 的角色输出第一段后一直阻塞到 ctx 结束
	stall    map[models.Role]bool
	requests []agent.Request
}

func newFake() *fakeCapability {
	return &fakeCapability{
		chunks: map[models.Role][]string{
			models.RoleDataCollector: {`"茅台 批价 走势" @news`},
			models.RoleBull:          {"估值", "合理"},
			models.RoleBear:          {"需求", "走弱"},
			models.RoleManager:       {"综合来看维持判断。\n", "评级：持有"},
			models.RoleQuick:         {"要点一；", "要点二"},
		},
		fail:  map[models.Role]error{},
		stall: map[models.Role]bool{},
	}
}

func (f *fakeCapability) Stream(ctx context.Context, req agent.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.mu.Lock()
		f.requests = append(f.requests, req)
		chunks := f.chunks[req.Role]
		failErr := f.fail[req.Role]
		stall := f.stall[req.Role]
		gate := f.gate
		f.mu.Unlock()

		if gate != nil {
			if ch := gate(req); ch != nil {
				select {
				case <-ch:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
		}
		for i, c := range chunks {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(c, nil) {
				return
			}
			if failErr != nil && i == 0 {
				yield("", failErr)
				return
			}
			if stall && i == 0 {
				<-ctx.Done()
				yield("", ctx.Err())
				return
			}
		}
	}
}

func (f *fakeCapability) setFail(role models.Role, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[role] = err
}

func (f *fakeCapability) setStall(role models.Role, chunks ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall[role] = true
	f.chunks[role] = chunks
}

func (f *fakeCapability) clearStall(role models.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stall, role)
}

func (f *fakeCapability) setGate(fn func(req agent.Request) <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = fn
}

func (f *fakeCapability) requestsFor(role models.Role) []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.Request
	for _, r := range f.requests {
		if r.Role == role {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	ledger   *ledger.Ledger
	cap      *fakeCapability
	searches atomic.Int32
	// searchErr 非 nil 时检索返回该错误，之后自动清空
	searchErr atomic.Pointer[error]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{cap: newFake(), ledger: ledger.New(ledger.NewMemoryStore())}

	reg := search.NewRegistry(nil)
	reg.Register(&search.FuncSource{SourceName: search.SourceNews, Desc: "新闻", Estimated: 3,
		Fn: func(ctx context.Context, q string) (string, error) {
			fx.searches.Add(1)
			if p := fx.searchErr.Swap(nil); p != nil {
				return "", *p
			}
			return "检索结果: " + q, nil
		}})
	reg.Register(&search.FuncSource{SourceName: search.SourceWeb, Desc: "网页", Estimated: 5,
		Fn: func(ctx context.Context, q string) (string, error) { return "web: " + q, nil }})

	m := metrics.New()
	fx.svc = NewService(Deps{
		Capability: fx.cap,
		Negotiator: negotiator.New(reg, m),
		Ledger:     fx.ledger,
		Metrics:    m,
	}, Config{SnapshotInterval: 10 * time.Millisecond, FinishedRetention: time.Minute})
	return fx
}

func (fx *fixture) failNextSearch(err error) {
	fx.searchErr.Store(&err)
}

// drain 读完事件流，onEvent 可在读取过程中对事件作出响应
func drain(t *testing.T, ch <-chan stream.Envelope, onEvent func(stream.Envelope)) []stream.Envelope {
	t.Helper()
	var out []stream.Envelope
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
			if onEvent != nil {
				onEvent(ev)
			}
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(out))
			return out
		}
	}
}

// waitFor 读事件直到 match 命中，之后的事件留在通道里
func waitFor(t *testing.T, ch <-chan stream.Envelope, match func(stream.Envelope) bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed before the expected event")
			if match(ev) {
				return
			}
		case <-timeout:
			t.Fatal("expected event never arrived")
		}
	}
}

func isChunk(role models.Role) func(stream.Envelope) bool {
	return func(ev stream.Envelope) bool {
		d, ok := ev.Data.(stream.AgentData)
		return ok && d.Agent == role && d.IsChunk
	}
}

// msgView 账本消息中测试关心的字段
type msgView struct {
	Role        models.Role
	Round       int
	Content     string
	Streaming   bool
	Interrupted bool
}

func viewMessages(msgs []models.Message) []msgView {
	out := make([]msgView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, msgView{m.Role, m.Round, m.Content, m.IsStreaming, m.Interrupted})
	}
	return out
}

func (fx *fixture) start(t *testing.T, req StartRequest) (string, <-chan stream.Envelope) {
	t.Helper()
	id, err := fx.svc.Start(context.Background(), req)
	require.NoError(t, err)
	ch, err := fx.svc.Attach(id)
	require.NoError(t, err)
	return id, ch
}

func (fx *fixture) wait(t *testing.T, id string) *models.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.svc.Wait(ctx, id))
	sess, err := fx.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func ptr[T any](v T) *T { return &v }

// agentEvents 过滤出发言事件
func agentEvents(evs []stream.Envelope) []stream.AgentData {
	var out []stream.AgentData
	for _, ev := range evs {
		if d, ok := ev.Data.(stream.AgentData); ok {
			out = append(out, d)
		}
	}
	return out
}

func indexOf(evs []stream.Envelope, match func(stream.Envelope) bool) int {
	for i, ev := range evs {
		if match(ev) {
			return i
		}
	}
	return -1
}

func isAgent(role models.Role, start bool) func(stream.Envelope) bool {
	return func(ev stream.Envelope) bool {
		d, ok := ev.Data.(stream.AgentData)
		if !ok || d.Agent != role {
			return false
		}
		if start {
			return d.IsStart
		}
		return d.IsEnd
	}
}

// debateRounds 取 debate 阶段事件中的轮次
func debateRounds(evs []stream.Envelope) []int {
	var out []int
	for _, ev := range evs {
		if d, ok := ev.Data.(stream.PhaseData); ok && d.Phase == models.PhaseDebate {
			out = append(out, d.Round)
		}
	}
	return out
}

func goalHas(req agent.Request, s string) bool { return strings.Contains(req.Goal, s) }

var errBoom = errors.New("upstream 500")
