package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/internal/pipeline"
	"xnat-ingest-go/pkg/log"
)

// Runner 是可被 API 触发的流水线，由 pipeline.Processor 实现。
type Runner interface {
	Start(ctx context.Context, opts pipeline.RunOptions) error
	LastReport() *model.RunReport
}

// RunHandler 负责运行报告与手动触发。
type RunHandler struct {
	runner Runner
	// ctx 是服务进程的上下文，停机时取消后台运行。
	ctx         context.Context
	distributed bool
}

// NewRunHandler 创建一个新的 RunHandler 实例。
func NewRunHandler(ctx context.Context, runner Runner, distributed bool) *RunHandler {
	return &RunHandler{runner: runner, ctx: ctx, distributed: distributed}
}

// TriggerRequest 定义了手动触发运行的请求体。
type TriggerRequest struct {
	DryRun bool `json:"dryRun"`
}

// Last 返回最近一次运行的报告。
func (h *RunHandler) Last(c *gin.Context) {
	report := h.runner.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "尚未运行", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": report})
}

// Trigger 在后台启动一次运行，立即返回。
func (h *RunHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
			return
		}
	}
	opts := pipeline.RunOptions{DryRun: req.DryRun, Distributed: h.distributed}
	if err := h.runner.Start(h.ctx, opts); err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "已有运行正在进行", "data": nil})
			return
		}
		log.Errorf("[RunHandler] 启动运行失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "启动运行失败", "data": nil})
		return
	}
	log.Infof("[RunHandler] 运维 %s 触发了一次运行, dry-run: %v", c.GetString("operator"), req.DryRun)
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "运行已启动"})
}

// Healthz 是存活探针。
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
