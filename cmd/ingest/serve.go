package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/handler"
	"xnat-ingest-go/internal/middleware"
	"xnat-ingest-go/internal/pipeline"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动运维 API，并按计划定时运行流水线",
	RunE: func(cmd *cobra.Command, args []string) error {
		distributed, _ := cmd.Flags().GetBool("distributed")
		cfg := &config.Conf

		a, err := newApp(cfg, distributed)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 1. 定时任务
		c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
		if cfg.Schedule.Cron != "" {
			_, err := c.AddFunc(cfg.Schedule.Cron, func() {
				_, err := a.processor.Run(ctx, pipeline.RunOptions{Distributed: distributed})
				if errors.Is(err, pipeline.ErrRunInProgress) {
					log.Infof("[Scheduler] 上一次运行尚未结束，跳过本次")
				} else if err != nil {
					log.Errorf("[Scheduler] 定时运行失败: %v", err)
				}
			})
			if err != nil {
				return fmt.Errorf("schedule.cron %q: %w", cfg.Schedule.Cron, err)
			}
			c.Start()
			log.Infof("[Scheduler] 已按计划 '%s' 启动定时运行", cfg.Schedule.Cron)
		}

		// 2. 路由
		if cfg.JWT.Secret == "" {
			log.Warnf("未配置 jwt.secret，所有运维 API 请求都将被拒绝")
		}
		gin.SetMode(cfg.Server.Mode)
		r := newRouter(ctx, a, token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours), distributed)

		// 3. 启动 HTTP 服务器并实现优雅停机
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: r,
		}
		go func() {
			log.Infof("服务启动于 %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP 服务监听失败: %s\n", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("接收到停机信号，正在关闭服务...")

		// 取消进行中的运行，未完成的会话保持 uploading，下次续传
		cancel()
		<-c.Stop().Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP 服务器关闭失败: %w", err)
		}
		log.Info("服务已优雅关闭")
		return nil
	},
}

// newRouter 注册运维 API。除 /healthz 与 /metrics 外都需要运维令牌。
func newRouter(ctx context.Context, a *app, jwtManager *token.JWTManager, distributed bool) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", handler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	records := handler.NewRecordHandler(a.uploads)
	runs := handler.NewRunHandler(ctx, a.processor, distributed)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		rec := apiV1.Group("/records")
		{
			rec.GET("", records.List)
			rec.GET("/:subject/:study", records.Get)
			rec.POST("/:subject/:study/retry", records.Retry)
			rec.DELETE("/:subject/:study", records.Purge)
		}

		run := apiV1.Group("/runs")
		{
			run.GET("/last", runs.Last)
			run.POST("", runs.Trigger)
		}
	}
	return r
}

func init() {
	serveCmd.Flags().Bool("distributed", false, "定时运行与手动触发都使用分布式模式")
	rootCmd.AddCommand(serveCmd)
}
