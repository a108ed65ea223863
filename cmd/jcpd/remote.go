package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/reconciler"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

// remoteStart POST /api/debates 的请求体
type remoteStart struct {
	SubjectCode string `json:"subject_code"`
	SubjectName string `json:"subject_name,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Query       string `json:"query,omitempty"`
	MaxRounds   int    `json:"-"`
}

func (r remoteStart) MarshalJSON() ([]byte, error) {
	type plain remoteStart
	body := struct {
		plain
		Rules map[string]int `json:"rules,omitempty"`
	}{plain: plain(r)}
	if r.MaxRounds > 0 {
		body.Rules = map[string]int{"max_rounds": r.MaxRounds}
	}
	return json.Marshal(body)
}

// remoteClient 访问 jcpd serve 的 HTTP 接口
type remoteClient struct {
	base string
	http *http.Client
}

func newRemoteClient(base string, client *http.Client) (*remoteClient, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", base)
	}
	if client == nil {
		// 事件流是长连接，不设整体超时
		client = &http.Client{}
	}
	return &remoteClient{base: strings.TrimRight(base, "/"), http: client}, nil
}

// apiError 服务端返回的错误
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
}

func (c *remoteClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	return &apiError{Status: resp.StatusCode, Message: payload.Error}
}

func (c *remoteClient) Start(ctx context.Context, req remoteStart) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/debates", req, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errors.New("remote returned no session id")
	}
	return out.SessionID, nil
}

// Events 打开会话的 SSE 流。会话已经结束时服务端返回 JSON 快照，视为错误。
func (c *remoteClient) Events(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/debates/"+url.PathEscape(sessionID)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("session %s is no longer live", sessionID)
	}
	return resp.Body, nil
}

func (c *remoteClient) Stop(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/debates/"+url.PathEscape(sessionID)+"/stop", nil, nil)
}

func (c *remoteClient) ConfirmPlan(ctx context.Context, planID string) error {
	return c.decide(ctx, planID, "confirm")
}

func (c *remoteClient) CancelPlan(ctx context.Context, planID string) error {
	return c.decide(ctx, planID, "cancel")
}

func (c *remoteClient) decide(ctx context.Context, planID, decision string) error {
	return c.do(ctx, http.MethodPost, "/api/plans/"+url.PathEscape(planID), map[string]string{"decision": decision}, nil)
}

// remoteDebate 在远端发起会议，渲染事件并镜像到本地账本
type remoteDebate struct {
	client      *remoteClient
	mirror      *ledger.Ledger
	roster      *agent.Roster
	in          io.Reader
	out         io.Writer
	autoConfirm bool
	snapshot    time.Duration
}

// Run 返回远端会话 ID。mirror 为 nil 时只渲染不落账。
func (d *remoteDebate) Run(ctx context.Context, req remoteStart) (string, error) {
	id, err := d.client.Start(ctx, req)
	if err != nil {
		return "", err
	}
	// 事件流不随 ctx 断开，Ctrl-C 后仍读到远端的终止事件
	body, err := d.client.Events(context.WithoutCancel(ctx), id)
	if err != nil {
		return id, err
	}
	defer body.Close()

	// Ctrl-C 时让远端结束会议
	watch, unwatch := context.WithCancel(ctx)
	defer unwatch()
	go func() {
		<-watch.Done()
		if ctx.Err() == nil {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.client.Stop(stopCtx, id); err != nil {
			log.Warn("结束远端会议失败: %v", err)
		}
	}()

	var (
		mirrored chan stream.Envelope
		consumed = make(chan error, 1)
	)
	if rec := d.mirrorOf(ctx, id, req); rec != nil {
		mirrored = make(chan stream.Envelope, 64)
		go func() { consumed <- rec.Consume(context.WithoutCancel(ctx), mirrored) }()
	}

	plans := make(chan *models.SearchPlan, 8)
	go decidePlans(ctx, plans, d.client, d.in, d.out, d.autoConfirm)
	r := &renderer{out: d.out, roster: d.roster}
	readErr := stream.ReadSSE(body, func(ev stream.Envelope) bool {
		r.render(ev)
		if mirrored != nil {
			mirrored <- ev
		}
		if plan, ok := ev.Data.(*models.SearchPlan); ok && planAwaiting(plan) {
			plans <- plan
		}
		return !ev.Type.Terminal()
	})
	close(plans)

	if mirrored != nil {
		close(mirrored)
		if err := <-consumed; err != nil {
			log.Warn("镜像会话落账失败: %v", err)
		}
	}
	if readErr != nil {
		return id, fmt.Errorf("read events: %w", readErr)
	}
	return id, nil
}

// mirrorOf 在本地账本建同 ID 的会话，返回写入它的 reconciler
func (d *remoteDebate) mirrorOf(ctx context.Context, id string, req remoteStart) *reconciler.Reconciler {
	if d.mirror == nil {
		return nil
	}
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		log.Warn("不镜像会话 %s: %v", id, err)
		return nil
	}
	rules, err := models.ResolveRules(mode)
	if err != nil {
		log.Warn("不镜像会话 %s: %v", id, err)
		return nil
	}
	if req.MaxRounds > 0 {
		rules = rules.Apply(&models.RulesOverride{MaxRounds: &req.MaxRounds})
	}
	err = d.mirror.Create(ctx, &models.Session{
		ID:          id,
		SubjectCode: req.SubjectCode,
		SubjectName: req.SubjectName,
		Mode:        mode,
		Rules:       rules,
	})
	if errors.Is(err, ledger.ErrSessionExists) {
		log.Info("本地账本已有会话 %s，不镜像", id)
		return nil
	}
	if err != nil {
		log.Warn("不镜像会话 %s: %v", id, err)
		return nil
	}
	return reconciler.New(d.mirror, id, reconciler.Config{SnapshotInterval: d.snapshot})
}

func debateRemote(cmd *cobra.Command, flags *globalFlags, base string, req remoteStart, autoConfirm bool) error {
	client, err := newRemoteClient(base, nil)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	roster := agent.NewRoster()
	if err := cfg.ApplyRoles(roster); err != nil {
		return err
	}
	mirror, closeMirror, err := openLedger(cmd.Context(), flags)
	if err != nil {
		return err
	}
	defer closeMirror()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	d := &remoteDebate{
		client:      client,
		mirror:      mirror,
		roster:      roster,
		in:          cmd.InOrStdin(),
		out:         cmd.OutOrStdout(),
		autoConfirm: autoConfirm,
		snapshot:    cfg.Meeting.SnapshotInterval,
	}
	id, err := d.Run(ctx, req)
	if id != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\n会话 %s (%s)\n", id, base)
	}
	return err
}
