package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/catalog-outbox/pkg/database"
	"github.com/d60-Lab/catalog-outbox/pkg/response"
)

// Health 存活与数据库连通性
// @Summary 健康检查
// @Tags health
// @Produce json
// @Success 200 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /healthz [get]
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := database.Ping(ctx, h.db); err != nil {
		response.ServiceUnavailable(c, "DATABASE_UNAVAILABLE", err.Error())
		return
	}
	response.Success(c, gin.H{"status": "ok", "time": h.clock.Now().UTC()})
}
