package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	_ "github.com/d60-Lab/catalog-outbox/docs"
	"github.com/d60-Lab/catalog-outbox/internal/api/handler"
	"github.com/d60-Lab/catalog-outbox/internal/middleware"
)

type RouterOptions struct {
	ServiceName string
	Logger      *zap.Logger
	// MaxBodyBytes 幂等中间件读取请求体的上限
	MaxBodyBytes int64
}

// NewRouter 注册全部路由；写接口挂载幂等中间件
func NewRouter(h *handler.Handler, guard middleware.Guard, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "catalog-outbox"
	}

	r := gin.New()
	r.Use(
		middleware.Recovery(opts.Logger),
		otelgin.Middleware(opts.ServiceName),
		middleware.RequestLogger(opts.Logger),
	)

	r.GET("/healthz", h.Health)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api")
	{
		catalog := api.Group("/catalog")
		catalog.Use(middleware.Idempotency(guard, middleware.IdempotencyOptions{
			MaxBodyBytes: opts.MaxBodyBytes,
			Logger:       opts.Logger,
		}))
		catalog.POST("", h.CreateCatalogItem)
		catalog.GET("/:sku", h.GetCatalogItem)

		outbox := api.Group("/outbox")
		outbox.GET("/stats", h.OutboxStats)
		outbox.GET("/failed", h.ListFailedEvents)
		outbox.POST("/:id/requeue", h.RequeueEvent)
	}
	return r
}
