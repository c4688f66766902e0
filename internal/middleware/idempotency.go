package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/pkg/response"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotency-Replayed"

	maxKeyLength = 255
)

// Guard 幂等执行器，由 service.IdempotencyGuard 实现
type Guard interface {
	Handle(ctx context.Context, scope, key string, body []byte, next service.WriteHandler) (*service.Outcome, error)
}

type IdempotencyOptions struct {
	// MaxBodyBytes 参与指纹计算的请求体上限，默认 1MB
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Idempotency 对写方法启用幂等键去重。
// 下游 handler 在 guard 开启的事务内运行，c.Request.Context() 携带该事务。
func Idempotency(guard Guard, opts IdempotencyOptions) gin.HandlerFunc {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if !writeMethod(c.Request.Method) {
			c.Next()
			return
		}

		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if len(key) > maxKeyLength {
			response.BadRequest(c, fmt.Sprintf("%s must be at most %d characters", HeaderIdempotencyKey, maxKeyLength))
			c.Abort()
			return
		}

		body, err := readBody(c, opts.MaxBodyBytes)
		if err != nil {
			response.BadRequest(c, err.Error())
			c.Abort()
			return
		}

		scope := c.Request.Method + " " + c.FullPath()
		origWriter, origReq := c.Writer, c.Request

		outcome, err := guard.Handle(origReq.Context(), scope, key, body, func(txCtx context.Context) (*model.ResponseSnapshot, error) {
			cw := &captureWriter{ResponseWriter: origWriter}
			c.Writer = cw
			c.Request = origReq.WithContext(txCtx)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
			defer func() {
				c.Writer = origWriter
				c.Request = origReq
			}()

			c.Next()

			snap := cw.snapshot()
			if snap.StatusCode >= http.StatusInternalServerError {
				return nil, &handlerStatusError{snap: snap}
			}
			return snap, nil
		})

		if err != nil {
			writeGuardError(c, err, scope, key, opts.Logger)
		} else {
			if outcome.Replayed {
				c.Header(HeaderReplayed, "true")
			}
			writeSnapshot(c, outcome.Snapshot)
		}
		c.Abort()
	}
}

func writeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", limit)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeSnapshot(c *gin.Context, snap *model.ResponseSnapshot) {
	if snap.ContentType == "" {
		c.Status(snap.StatusCode)
		_, _ = c.Writer.Write(snap.Body)
		return
	}
	c.Data(snap.StatusCode, snap.ContentType, snap.Body)
}

func writeGuardError(c *gin.Context, err error, scope, key string, log *zap.Logger) {
	var (
		handlerErr *handlerStatusError
		inFlight   *service.InFlightError
	)
	switch {
	case errors.As(err, &handlerErr):
		// handler 自身返回 5xx：事务已回滚，原样返回给客户端
		writeSnapshot(c, handlerErr.snap)
	case errors.Is(err, service.ErrDuplicateKeyConflict):
		response.Conflict(c, "IDEMPOTENCY_KEY_REUSED", err.Error())
	case errors.As(err, &inFlight):
		c.Header("Retry-After", strconv.Itoa(int(inFlight.RetryAfter/time.Second)))
		response.Conflict(c, "IDEMPOTENCY_IN_FLIGHT", service.ErrInFlightDuplicate.Error())
	case errors.Is(err, repository.ErrLeaseLost):
		// 执行超过租约，记录已被其他请求回收
		c.Header("Retry-After", "1")
		response.Conflict(c, "IDEMPOTENCY_IN_FLIGHT", service.ErrInFlightDuplicate.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		log.Error("idempotency store unavailable", zap.String("scope", scope), zap.String("key", key), zap.Error(err))
		response.ServiceUnavailable(c, "IDEMPOTENCY_STORE_UNAVAILABLE", service.ErrStoreUnavailable.Error())
	default:
		log.Error("idempotent request failed", zap.String("scope", scope), zap.String("key", key), zap.Error(err))
		response.InternalError(c, err)
	}
}

type handlerStatusError struct {
	snap *model.ResponseSnapshot
}

func (e *handlerStatusError) Error() string {
	return fmt.Sprintf("handler responded with status %d", e.snap.StatusCode)
}

// captureWriter 缓存下游写出的响应，由中间件统一写回
type captureWriter struct {
	gin.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if code > 0 {
		w.status = code
	}
}

func (w *captureWriter) WriteHeaderNow() {}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.WriteString(s)
}

func (w *captureWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *captureWriter) Size() int {
	if !w.Written() {
		return -1
	}
	return w.body.Len()
}

func (w *captureWriter) Written() bool { return w.status != 0 }

func (w *captureWriter) snapshot() *model.ResponseSnapshot {
	return &model.ResponseSnapshot{
		StatusCode:  w.Status(),
		ContentType: w.Header().Get("Content-Type"),
		Body:        append([]byte(nil), w.body.Bytes()...),
	}
}
