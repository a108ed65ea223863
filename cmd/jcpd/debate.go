package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/meeting"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

func debateCmd(flags *globalFlags) *cobra.Command {
	var (
		name        string
		mode        string
		query       string
		rounds      int
		autoConfirm bool
		remote      string
	)
	cmd := &cobra.Command{
		Use:   "debate <subject-code>",
		Short: "Run a debate in-process and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if remote != "" {
				return debateRemote(cmd, flags, remote, remoteStart{
					SubjectCode: args[0], SubjectName: name, Mode: mode, Query: query, MaxRounds: rounds,
				}, autoConfirm)
			}
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			req := meeting.StartRequest{SubjectCode: args[0], SubjectName: name, Mode: mode, Query: query}
			if rounds > 0 {
				req.Rules = &models.RulesOverride{MaxRounds: &rounds}
			}
			id, err := a.meeting.Start(ctx, req)
			if err != nil {
				return err
			}
			events, err := a.meeting.Attach(id)
			if err != nil {
				return err
			}

			// Ctrl-C 强制结束会议，终止事件照常输出
			sig, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sig.Done()
				_ = a.meeting.Stop(id)
			}()

			r := &renderer{out: cmd.OutOrStdout(), roster: a.roster}
			plans := make(chan *models.SearchPlan, 8)
			go decidePlans(ctx, plans, localPlans{a.meeting}, cmd.InOrStdin(), cmd.OutOrStdout(), autoConfirm)
			for ev := range events {
				r.render(ev)
				if plan, ok := ev.Data.(*models.SearchPlan); ok && planAwaiting(plan) {
					plans <- plan
				}
			}
			close(plans)
			fmt.Fprintf(cmd.OutOrStdout(), "\n会话 %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Subject display name")
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeRealtimeDebate), "parallel | realtime_debate | quick_analysis")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Debate topic")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "Max debate rounds, 0 keeps the mode default")
	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "Confirm every search plan without prompting")
	cmd.Flags().StringVar(&remote, "remote", "", "Run on a jcpd server at this base URL and mirror it into the local ledger")
	return cmd
}

func askCmd(flags *globalFlags) *cobra.Command {
	var name, quoted string
	cmd := &cobra.Command{
		Use:   "ask <subject-code> <question>",
		Short: "Ask a follow-up question about a subject",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := a.meeting.FollowUp(ctx, meeting.FollowUpRequest{
				SubjectCode: args[0],
				SubjectName: name,
				Question:    strings.Join(args[1:], " "),
				Context:     quoted,
			})
			if err != nil {
				return err
			}
			r := &renderer{out: cmd.OutOrStdout(), roster: a.roster}
			for ev := range h.Events {
				r.render(ev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Subject display name")
	cmd.Flags().StringVar(&quoted, "context", "", "Quoted content the question refers to")
	return cmd
}

// planAwaiting 计划是否在等待用户决定
func planAwaiting(p *models.SearchPlan) bool {
	return p.Status == models.SearchPending || (p.Status == models.SearchExecuting && p.Error != "")
}

// planDecider 确认或取消检索计划
type planDecider interface {
	ConfirmPlan(ctx context.Context, planID string) error
	CancelPlan(ctx context.Context, planID string) error
}

// localPlans 进程内会议服务上的计划决定
type localPlans struct {
	svc *meeting.Service
}

func (l localPlans) ConfirmPlan(_ context.Context, planID string) error {
	_, err := l.svc.ConfirmPlan(planID)
	return err
}

func (l localPlans) CancelPlan(ctx context.Context, planID string) error {
	_, err := l.svc.CancelPlan(ctx, planID)
	return err
}

// decidePlans 按到达顺序逐个处理等待决定的计划，终端上同一时间只有一个提问。
// plans 关闭时返回。
func decidePlans(ctx context.Context, plans <-chan *models.SearchPlan, d planDecider, in io.Reader, out io.Writer, auto bool) {
	reader := bufio.NewReader(in)
	for p := range plans {
		if auto {
			if err := d.ConfirmPlan(ctx, p.PlanID); err != nil {
				log.Warn("确认检索计划失败: %v", err)
			}
			continue
		}
		fmt.Fprintf(out, "\n执行检索计划 %s？[y/N] ", p.PlanID)
		line, _ := reader.ReadString('\n')
		var err error
		if strings.EqualFold(strings.TrimSpace(line), "y") {
			err = d.ConfirmPlan(ctx, p.PlanID)
		} else if p.Status == models.SearchPending {
			err = d.CancelPlan(ctx, p.PlanID)
		}
		if err != nil {
			log.Warn("处理检索计划失败: %v", err)
		}
	}
}

// renderer 把事件渲染为终端文本
type renderer struct {
	out    io.Writer
	roster *agent.Roster
}

func (r *renderer) render(ev stream.Envelope) {
	switch d := ev.Data.(type) {
	case stream.PhaseData:
		if d.Round > 0 {
			fmt.Fprintf(r.out, "\n== %s %d/%d ==\n", d.Phase, d.Round, d.MaxRounds)
		} else {
			fmt.Fprintf(r.out, "\n== %s ==\n", d.Phase)
		}
	case stream.AgentData:
		switch {
		case d.IsStart:
			fmt.Fprintf(r.out, "\n[%s] ", r.roster.Name(d.Agent))
		case d.IsChunk:
			fmt.Fprint(r.out, d.Content)
		case d.IsEnd:
			if d.Agent == models.RoleUser {
				fmt.Fprint(r.out, d.Content)
			}
			fmt.Fprintln(r.out)
		}
	case *models.SearchPlan:
		fmt.Fprintf(r.out, "\n检索计划 %s [%s] 预计 %d 秒\n", d.PlanID, d.Status, d.TotalEstimatedTime)
		for _, t := range d.Tasks {
			fmt.Fprintf(r.out, "  - @%s %s\n", t.Source, t.Query)
		}
		if d.Error != "" {
			fmt.Fprintf(r.out, "  失败: %s\n", d.Error)
		}
	case models.Result:
		fmt.Fprintf(r.out, "\n结果: 评级=%s 用时=%s", orDash(d.Rating), time.Duration(d.ExecutionTime)*time.Millisecond)
		if d.Partial {
			fmt.Fprintf(r.out, " (部分结果: %s)", d.Reason)
		}
		fmt.Fprintln(r.out)
	case stream.ErrorData:
		fmt.Fprintf(r.out, "\n错误: %s (%s)\n", d.Error, d.Reason)
	case stream.CompleteData:
		fmt.Fprintf(r.out, "\n[%s] 回答完成\n", r.roster.Name(d.Agent))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
