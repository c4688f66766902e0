package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/pkg/response"
)

type createCatalogItemRequest struct {
	SKU        string `json:"sku" binding:"required,max=64"`
	Name       string `json:"name" binding:"required,max=255"`
	PriceCents int64  `json:"price_cents" binding:"gte=0"`
}

// CreateCatalogItem 创建商品并在同一事务内写入 catalog.item.created 事件
// @Summary 创建商品（幂等）
// @Tags catalog
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "幂等键"
// @Param request body createCatalogItemRequest true "商品信息"
// @Success 201 {object} response.Response{data=model.CatalogItem}
// @Failure 400 {object} response.Response
// @Failure 409 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/catalog [post]
func (h *Handler) CreateCatalogItem(c *gin.Context) {
	var req createCatalogItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	item, err := h.catalogService.Create(c.Request.Context(), service.CreateCatalogItemInput{
		SKU:        req.SKU,
		Name:       req.Name,
		PriceCents: req.PriceCents,
	})
	if errors.Is(err, service.ErrSKUExists) {
		response.Conflict(c, "SKU_EXISTS", err.Error())
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, item)
}

// GetCatalogItem 按 SKU 查询商品
// @Summary 查询商品
// @Tags catalog
// @Produce json
// @Param sku path string true "SKU"
// @Success 200 {object} response.Response{data=model.CatalogItem}
// @Failure 404 {object} response.Response
// @Router /api/catalog/{sku} [get]
func (h *Handler) GetCatalogItem(c *gin.Context) {
	item, err := h.catalogService.Get(c.Request.Context(), c.Param("sku"))
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(c, "catalog item not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, item)
}
