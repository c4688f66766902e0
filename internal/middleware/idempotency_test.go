package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
	"github.com/d60-Lab/catalog-outbox/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name), "silent")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))
	return db
}

func newGuard(db *gorm.DB) *service.IdempotencyGuard {
	return service.NewIdempotencyGuard(repository.NewIdempotencyRepository(db), database.NewTransactor(db), service.IdempotencyOptions{
		RecordTTL:    time.Hour,
		LeaseTimeout: 30 * time.Second,
	})
}

func send(r http.Handler, method, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/items", bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotencyRunsHandlerInsideTransaction(t *testing.T) {
	db := setupDB(t)
	items := repository.NewCatalogRepository(db)
	var calls int32

	r := gin.New()
	r.POST("/items", Idempotency(newGuard(db), IdempotencyOptions{}), func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		_, inTx := database.TxFromContext(c.Request.Context())
		assert.True(t, inTx)

		var req struct {
			SKU string `json:"sku"`
		}
		require.NoError(t, c.ShouldBindJSON(&req))
		_, err := items.Create(c.Request.Context(), &model.CatalogItem{ID: req.SKU, SKU: req.SKU, Name: "n"})
		require.NoError(t, err)
		c.Header("X-Item", req.SKU)
		c.JSON(http.StatusCreated, gin.H{"sku": req.SKU})
	})

	w := send(r, http.MethodPost, "k1", `{"sku":"X1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"sku":"X1"}`, w.Body.String())
	assert.Equal(t, "X1", w.Header().Get("X-Item"))

	w = send(r, http.MethodPost, "k1", `{"sku":"X1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	assert.JSONEq(t, `{"sku":"X1"}`, w.Body.String())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestIdempotencyServerErrorRollsBackAndAllowsRetry(t *testing.T) {
	db := setupDB(t)
	items := repository.NewCatalogRepository(db)
	var calls int32

	r := gin.New()
	r.POST("/items", Idempotency(newGuard(db), IdempotencyOptions{}), func(c *gin.Context) {
		n := atomic.AddInt32(&calls, 1)
		_, err := items.Create(c.Request.Context(), &model.CatalogItem{ID: "id-1", SKU: "X1", Name: "n"})
		require.NoError(t, err)
		if n == 1 {
			c.JSON(http.StatusBadGateway, gin.H{"error": "downstream"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})

	w := send(r, http.MethodPost, "k1", `{}`)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"downstream"}`, w.Body.String())

	var n int64
	require.NoError(t, db.Model(&model.CatalogItem{}).Count(&n).Error)
	assert.Zero(t, n, "write rolled back")

	rec, err := repository.NewIdempotencyRepository(db).Get(context.Background(), "POST /items", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.IdempotencyFailed, rec.Status)

	w = send(r, http.MethodPost, "k1", `{}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(HeaderReplayed))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.NoError(t, db.Model(&model.CatalogItem{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestIdempotencySkipsReadMethods(t *testing.T) {
	g := &stubGuard{}
	r := gin.New()
	r.GET("/items", Idempotency(g, IdempotencyOptions{}), func(c *gin.Context) {
		c.String(http.StatusOK, "list")
	})

	w := send(r, http.MethodGet, "k1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "list", w.Body.String())
	assert.Zero(t, g.calls)
}

func TestIdempotencyRejectsOversizedInput(t *testing.T) {
	g := &stubGuard{}
	r := gin.New()
	r.POST("/items", Idempotency(g, IdempotencyOptions{MaxBodyBytes: 8}), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPost, strings.Repeat("a", 256), `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPost, "k1", `{"sku":"too long"}`).Code)
	assert.Zero(t, g.calls)

	assert.Equal(t, http.StatusNoContent, send(r, http.MethodPost, strings.Repeat("a", 255), `{}`).Code)
}

type stubGuard struct {
	err   error
	calls int
}

func (g *stubGuard) Handle(ctx context.Context, _, _ string, _ []byte, next service.WriteHandler) (*service.Outcome, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	snap, err := next(ctx)
	if err != nil {
		return nil, err
	}
	return &service.Outcome{Snapshot: snap}, nil
}

func TestIdempotencyErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		reason     string
		retryAfter string
	}{
		{"conflict", service.ErrDuplicateKeyConflict, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", ""},
		{"in flight", &service.InFlightError{RetryAfter: 27 * time.Second}, http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT", "27"},
		{"lease lost", fmt.Errorf("complete: %w", repository.ErrLeaseLost), http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT", "1"},
		{"store down", fmt.Errorf("%w: insert: dial tcp", service.ErrStoreUnavailable), http.StatusServiceUnavailable, "IDEMPOTENCY_STORE_UNAVAILABLE", ""},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handlerRan := false
			r := gin.New()
			r.POST("/items", Idempotency(&stubGuard{err: tc.err}, IdempotencyOptions{}), func(c *gin.Context) {
				handlerRan = true
			})

			w := send(r, http.MethodPost, "k1", `{}`)
			require.Equal(t, tc.status, w.Code)
			var body response.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.reason, body.Reason)
			assert.Equal(t, tc.retryAfter, w.Header().Get("Retry-After"))
			assert.False(t, handlerRan)
		})
	}
}

func TestIdempotencyPanicReleasesKey(t *testing.T) {
	db := setupDB(t)
	var calls int32

	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.POST("/items", Idempotency(newGuard(db), IdempotencyOptions{}), func(c *gin.Context) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})

	w := send(r, http.MethodPost, "k1", `{}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	w = send(r, http.MethodPost, "k1", `{}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(HeaderReplayed))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencyClientErrorRollsBackButIsCached(t *testing.T) {
	db := setupDB(t)
	items := repository.NewCatalogRepository(db)
	var calls int32

	r := gin.New()
	r.POST("/items", Idempotency(newGuard(db), IdempotencyOptions{}), func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		_, err := items.Create(c.Request.Context(), &model.CatalogItem{ID: "id-1", SKU: "X1", Name: "n"})
		require.NoError(t, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected"})
	})

	w := send(r, http.MethodPost, "k1", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var n int64
	require.NoError(t, db.Model(&model.CatalogItem{}).Count(&n).Error)
	assert.Zero(t, n, "partial write rolled back")

	w = send(r, http.MethodPost, "k1", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
