package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/run-bigpig/jcp-debate/internal/httpapi"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE debate service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if n, err := a.meeting.RecoverOrphans(ctx); err != nil {
				log.Warn("清理遗留会话失败: %v", err)
			} else if n > 0 {
				log.Info("已将 %d 个遗留会话标记为中断", n)
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			return serve(ctx, a, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	h := httpapi.NewHandler(a.meeting, a.roster, a.search.Sources)
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(h, a.metrics.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP 服务监听 %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("正在关闭 HTTP 服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先结束会议，进行中的 SSE 连接随终止事件自然关闭
	if err := a.meeting.Shutdown(shutdownCtx); err != nil {
		log.Warn("结束进行中的会话超时: %v", err)
	}
	return srv.Shutdown(shutdownCtx)
}
