package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

// MemoryStore 内存存储，用于测试和 CLI 单次运行
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	index    map[string]map[string]int // sessionID -> messageID -> 下标
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		index:    make(map[string]map[string]int),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	cp := copySession(s, true)
	m.sessions[s.ID] = cp
	idx := make(map[string]int, len(cp.Messages))
	for i, msg := range cp.Messages {
		idx[msg.ID] = i
	}
	m.index[s.ID] = idx
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	stored.Status = s.Status
	stored.Reason = s.Reason
	stored.UpdatedAt = s.UpdatedAt
	if s.Result != nil {
		r := *s.Result
		stored.Result = &r
	} else {
		stored.Result = nil
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s, true), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, subjectCode string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.SubjectCode == subjectCode {
			out = append(out, copySession(s, false))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

func (m *MemoryStore) ListInProgress(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.Status == models.StatusInProgress {
			out = append(out, copySession(s, false))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, sessionID, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	i, ok := m.index[sessionID][messageID]
	if !ok {
		return nil, nil
	}
	msg := copyMessage(s.Messages[i])
	return &msg, nil
}

func (m *MemoryStore) PutMessage(_ context.Context, sessionID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	msg = copyMessage(msg)
	if i, ok := m.index[sessionID][msg.ID]; ok {
		s.Messages[i] = msg
		return nil
	}
	m.index[sessionID][msg.ID] = len(s.Messages)
	s.Messages = append(s.Messages, msg)
	return nil
}

func (m *MemoryStore) AddPhase(_ context.Context, sessionID string, rec models.PhaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Phases = append(s.Phases, rec)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func copySession(s *models.Session, withMessages bool) *models.Session {
	cp := *s
	cp.Messages = nil
	cp.Phases = append([]models.PhaseRecord(nil), s.Phases...)
	if withMessages {
		cp.Messages = make([]models.Message, len(s.Messages))
		for i, msg := range s.Messages {
			cp.Messages[i] = copyMessage(msg)
		}
	} else {
		cp.Phases = nil
	}
	if s.Result != nil {
		r := *s.Result
		cp.Result = &r
	}
	return &cp
}

func copyMessage(msg models.Message) models.Message {
	msg.Plan = msg.Plan.Clone()
	return msg
}
