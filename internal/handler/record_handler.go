// Package handler 包含了处理运维 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/internal/repository"
	"xnat-ingest-go/internal/service"
	"xnat-ingest-go/pkg/log"
)

// RecordHandler 负责处理上传记录相关的 API 请求。
type RecordHandler struct {
	uploadService service.UploadService
}

// NewRecordHandler 创建一个新的 RecordHandler 实例。
func NewRecordHandler(uploadService service.UploadService) *RecordHandler {
	return &RecordHandler{uploadService: uploadService}
}

var validStatus = map[model.UploadStatus]bool{
	model.StatusPending:   true,
	model.StatusStaged:    true,
	model.StatusUploading: true,
	model.StatusComplete:  true,
	model.StatusFailed:    true,
}

func sessionKey(c *gin.Context) model.SessionKey {
	return model.SessionKey{SubjectID: c.Param("subject"), StudyUID: c.Param("study")}
}

// List 返回上传记录，可按 status 过滤。
func (h *RecordHandler) List(c *gin.Context) {
	status := model.UploadStatus(c.Query("status"))
	if status != "" && !validStatus[status] {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的状态", "data": nil})
		return
	}
	records, err := h.uploadService.Records(c.Request.Context(), status)
	if err != nil {
		log.Errorf("[RecordHandler] 查询上传记录失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询上传记录失败", "data": nil})
		return
	}
	dtos := make([]model.UploadRecordDTO, 0, len(records))
	for i := range records {
		dtos = append(dtos, records[i].ToDTO())
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": dtos})
}

// Get 返回单个会话的记录。
func (h *RecordHandler) Get(c *gin.Context) {
	rec, err := h.uploadService.Record(c.Request.Context(), sessionKey(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": rec.ToDTO()})
}

// Retry 把 failed 记录移回 staged。
func (h *RecordHandler) Retry(c *gin.Context) {
	key := sessionKey(c)
	if err := h.uploadService.Retry(c.Request.Context(), key); err != nil {
		h.fail(c, err)
		return
	}
	log.Infof("[RecordHandler] 运维 %s 重置会话 %s", c.GetString("operator"), key)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "会话已重置为 staged，将在下次运行时上传"})
}

// Purge 删除记录。
func (h *RecordHandler) Purge(c *gin.Context) {
	key := sessionKey(c)
	if err := h.uploadService.Purge(c.Request.Context(), key); err != nil {
		h.fail(c, err)
		return
	}
	log.Warnf("[RecordHandler] 运维 %s 删除了会话 %s 的上传记录", c.GetString("operator"), key)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "记录已删除"})
}

func (h *RecordHandler) fail(c *gin.Context, err error) {
	var illegal *model.ErrIllegalTransition
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "记录不存在", "data": nil})
	case errors.As(err, &illegal), errors.Is(err, repository.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error(), "data": nil})
	default:
		log.Errorf("[RecordHandler] 请求失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误", "data": nil})
	}
}
