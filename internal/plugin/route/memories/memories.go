// Package memories mounts the paginated read-view REST endpoints.
package memories

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	registrycache "github.com/recallhq/user-memory-service/internal/registry/cache"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// MountRoutes mounts the per-kind memory listing endpoint.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, cfg *config.Config) {
	g := r.Group("/v1")

	g.GET("/memories/:kind", func(c *gin.Context) { listMemories(c, store, cfg) })
}

func listMemories(c *gin.Context, store registrystore.MemoryStore, cfg *config.Config) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	kind, ok := model.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown memory kind %q", c.Param("kind"))})
		return
	}

	q := registrystore.ListQuery{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "pageSize", defaultPageSize),
		Query:    c.Query("query"),
		Sort:     c.Query("sort"),
		Desc:     true,
	}
	if q.Page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be >= 1"})
		return
	}
	if q.PageSize < 1 || q.PageSize > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("pageSize must be between 1 and %d", maxPageSize)})
		return
	}
	if q.Sort == "" {
		q.Sort = model.SortCapturedAt
	} else if !model.AllowsSort(kind, q.Sort) {
		spec, _ := model.Spec(kind)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("sort %q not supported for kind %s; valid: %v", q.Sort, kind, spec.SortKeys),
		})
		return
	}
	switch strings.ToLower(c.DefaultQuery("order", "desc")) {
	case "desc":
		q.Desc = true
	case "asc":
		q.Desc = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be asc or desc"})
		return
	}

	listCache := registrycache.ListCacheFromContext(c.Request.Context())
	cacheKey := listCacheKey(userID, kind, q)
	if listCache != nil && listCache.Available() {
		if cached, err := listCache.Get(c.Request.Context(), cacheKey); err == nil && cached != nil {
			c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
			return
		}
	}

	page, err := store.ListMemories(c.Request.Context(), userID, kind, q)
	if err != nil {
		handleError(c, err)
		return
	}

	if listCache != nil && listCache.Available() {
		if body, err := json.Marshal(page); err == nil {
			ttl := 30 * time.Second
			if cfg != nil && cfg.ListCacheTTL > 0 {
				ttl = cfg.ListCacheTTL
			}
			if err := listCache.Set(c.Request.Context(), cacheKey, body, ttl); err != nil {
				log.Debug("list cache set failed", "err", err)
			}
		}
	}
	c.JSON(http.StatusOK, page)
}

func listCacheKey(userID string, kind model.MemoryKind, q registrystore.ListQuery) string {
	order := "desc"
	if !q.Desc {
		order = "asc"
	}
	return fmt.Sprintf("memories:%s:%s:%d:%d:%s:%s:%s", userID, kind, q.Page, q.PageSize, q.Sort, order, q.Query)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	default:
		log.Error("memories route error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
