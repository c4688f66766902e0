package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/pkg/response"
)

const maxFailedListLimit = 500

// OutboxStats 各状态事件数量
// @Summary outbox 状态统计
// @Tags outbox
// @Produce json
// @Success 200 {object} response.Response{data=map[string]int64}
// @Router /api/outbox/stats [get]
func (h *Handler) OutboxStats(c *gin.Context) {
	stats, err := h.outbox.Stats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, stats)
}

// ListFailedEvents 失败队列，按 id 升序
// @Summary 查询失败事件
// @Tags outbox
// @Produce json
// @Param limit query int false "数量上限" default(50)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/outbox/failed [get]
func (h *Handler) ListFailedEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}
	if limit > maxFailedListLimit {
		limit = maxFailedListLimit
	}
	list, err := h.outbox.ListFailed(c.Request.Context(), limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"limit": limit, "list": list})
}

// RequeueEvent 将 failed 事件放回 pending，重试次数清零
// @Summary 重新投递失败事件
// @Tags outbox
// @Produce json
// @Param id path int true "事件ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/outbox/{id}/requeue [post]
func (h *Handler) RequeueEvent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	err = h.outbox.Requeue(c.Request.Context(), id, h.clock.Now())
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(c, "no failed event with this id")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"id": id})
}
