// Package httpapi 会议引擎的 HTTP 接口：JSON 请求与 SSE 事件流。
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/meeting"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/negotiator"
	"github.com/run-bigpig/jcp-debate/internal/search"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

var log = logger.New("HTTP")

// Handler HTTP 处理器
type Handler struct {
	svc     *meeting.Service
	roster  *agent.Roster
	sources func() []search.SourceInfo
}

// NewHandler 创建处理器，sources 可为 nil
func NewHandler(svc *meeting.Service, roster *agent.Roster, sources func() []search.SourceInfo) *Handler {
	if roster == nil {
		roster = agent.NewRoster()
	}
	return &Handler{svc: svc, roster: roster, sources: sources}
}

type rulesRequest struct {
	MaxTimeSeconds        *int  `json:"max_time_seconds"`
	MaxRounds             *int  `json:"max_rounds"`
	ManagerCanInterrupt   *bool `json:"manager_can_interrupt"`
	RequireDataCollection *bool `json:"require_data_collection"`
}

func (r *rulesRequest) override() *models.RulesOverride {
	if r == nil {
		return nil
	}
	o := &models.RulesOverride{
		MaxRounds:             r.MaxRounds,
		ManagerCanInterrupt:   r.ManagerCanInterrupt,
		RequireDataCollection: r.RequireDataCollection,
	}
	if r.MaxTimeSeconds != nil {
		d := time.Duration(*r.MaxTimeSeconds) * time.Second
		o.MaxTime = &d
	}
	return o
}

type startRequest struct {
	SubjectCode string        `json:"subject_code"`
	SubjectName string        `json:"subject_name"`
	Mode        string        `json:"mode"`
	Query       string        `json:"query"`
	Rules       *rulesRequest `json:"rules"`
}

// sessionView 会话快照，附带是否可恢复
type sessionView struct {
	*models.Session
	Resumable bool `json:"resumable"`
}

func viewOf(s *models.Session) sessionView {
	return sessionView{Session: s, Resumable: s.Resumable()}
}

// StartDebate POST /api/debates
func (h *Handler) StartDebate(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.svc.Start(c.Request.Context(), meeting.StartRequest{
		SubjectCode: req.SubjectCode,
		SubjectName: req.SubjectName,
		Mode:        req.Mode,
		Query:       req.Query,
		Rules:       req.Rules.override(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

// Events GET /api/debates/:id/events
// 会话在内存中且从未断开时推送实时事件，否则返回账本快照。
func (h *Handler) Events(c *gin.Context) {
	id := c.Param("id")
	events, err := h.svc.Attach(id)
	if err != nil {
		// 另一个客户端正在接收进行中的会话时拒绝，其余情况读账本
		if errors.Is(err, stream.ErrAlreadyAttached) {
			if sess, gerr := h.svc.Ledger().Get(c.Request.Context(), id); gerr == nil && !sess.Status.Terminal() {
				writeError(c, err)
				return
			}
		}
		h.snapshot(c, id)
		return
	}

	if !h.pump(c, events) {
		h.svc.Detach(id)
	}
}

func (h *Handler) snapshot(c *gin.Context, id string) {
	sess, err := h.svc.Ledger().Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

// pump 把事件写成 SSE，事件流结束返回 true，客户端先离开返回 false
func (h *Handler) pump(c *gin.Context, events <-chan stream.Envelope) bool {
	stream.SetSSEHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return false
	}
	flusher.Flush()

	clientClosed := c.Request.Context().Done()
	for {
		select {
		case <-clientClosed:
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if err := stream.WriteSSE(c.Writer, ev); err != nil {
				log.Warn("写出事件失败: %v", err)
				return false
			}
			flusher.Flush()
		}
	}
}

// Stop POST /api/debates/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	if err := h.svc.Stop(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"acknowledged": true})
}

type mentionRequest struct {
	Text string `json:"text"`
}

// Mention POST /api/debates/:id/mentions
func (h *Handler) Mention(c *gin.Context) {
	var req mentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Mention(c.Param("id"), req.Text); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"acknowledged": true})
}

// Resume POST /api/debates/:id/resume
func (h *Handler) Resume(c *gin.Context) {
	id, err := h.svc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

type followUpRequest struct {
	SubjectCode string `json:"subject_code"`
	SubjectName string `json:"subject_name"`
	Question    string `json:"question"`
	Context     string `json:"context"`
}

// FollowUp POST /api/followups，直接以 SSE 返回
func (h *Handler) FollowUp(c *gin.Context) {
	var req followUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	handle, err := h.svc.FollowUp(c.Request.Context(), meeting.FollowUpRequest{
		SubjectCode: req.SubjectCode,
		SubjectName: req.SubjectName,
		Question:    req.Question,
		Context:     req.Context,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Session-ID", handle.SessionID)
	if !h.pump(c, handle.Events) {
		handle.Detach()
	}
}

type planRequest struct {
	Decision string `json:"decision"`
}

// DecidePlan POST /api/plans/:id
func (h *Handler) DecidePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		plan *models.SearchPlan
		err  error
	)
	switch req.Decision {
	case "confirm":
		plan, err = h.svc.ConfirmPlan(c.Param("id"))
	case "cancel":
		plan, err = h.svc.CancelPlan(c.Request.Context(), c.Param("id"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be confirm or cancel"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// GetSession GET /api/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	h.snapshot(c, c.Param("id"))
}

// ListSessions GET /api/subjects/:code/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.Ledger().List(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// InProgress GET /api/subjects/:code/in-progress
func (h *Handler) InProgress(c *gin.Context) {
	sess, err := h.svc.Ledger().GetLatestInProgress(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

// Roles GET /api/roles
func (h *Handler) Roles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"roles": h.roster.Personas()})
}

// Sources GET /api/sources
func (h *Handler) Sources(c *gin.Context) {
	sources := []search.SourceInfo{}
	if h.sources != nil {
		sources = h.sources()
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

// writeError 按错误类别映射状态码
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrSessionNotFound),
		errors.Is(err, negotiator.ErrPlanNotFound),
		errors.Is(err, meeting.ErrSessionNotLive):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrProtocolViolation),
		errors.Is(err, stream.ErrAlreadyAttached),
		errors.Is(err, ledger.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, meeting.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
