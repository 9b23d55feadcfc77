package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/wikiflow/confluence"
	"github.com/BaSui01/wikiflow/internal/cache"
	"github.com/BaSui01/wikiflow/internal/metrics"
	"github.com/BaSui01/wikiflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📚 上下文文档 Handler
// =============================================================================

// ContextLimit 每次返回的空间/页面上限
const ContextLimit = 50

// SpaceDocument 空间的结构化上下文文档
type SpaceDocument struct {
	Type string `json:"type"` // 恒为 "space"
	Key  string `json:"key"`
	Name string `json:"name"`
	ID   string `json:"id"`
	URL  string `json:"url"`
}

// PageDocument 页面的结构化上下文文档
type PageDocument struct {
	Type     string `json:"type"` // 恒为 "page"
	ID       string `json:"id"`
	Title    string `json:"title"`
	SpaceKey string `json:"space_key"`
	URL      string `json:"url"`
}

// ContextHandler 暴露 Confluence 空间与页面的只读 JSON 视图。
// 结果可选地缓存在 Redis 中；缓存不可用时直接回源。
type ContextHandler struct {
	client    *confluence.Client
	cache     *cache.Manager // 可为 nil
	ttl       time.Duration
	collector *metrics.Collector // 可为 nil
	logger    *zap.Logger
}

// NewContextHandler 创建上下文处理器。cache 与 collector 可为 nil。
func NewContextHandler(client *confluence.Client, cacheMgr *cache.Manager, ttl time.Duration, collector *metrics.Collector, logger *zap.Logger) *ContextHandler {
	return &ContextHandler{
		client:    client,
		cache:     cacheMgr,
		ttl:       ttl,
		collector: collector,
		logger:    logger.With(zap.String("handler", "context")),
	}
}

func (h *ContextHandler) fromCache(r *http.Request, key string, dest interface{}) bool {
	if h.cache == nil {
		return false
	}
	err := h.cache.GetJSON(r.Context(), key, dest)
	if err == nil {
		if h.collector != nil {
			h.collector.RecordCacheHit("context")
		}
		return true
	}
	if !cache.IsCacheMiss(err) {
		h.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if h.collector != nil {
		h.collector.RecordCacheMiss("context")
	}
	return false
}

func (h *ContextHandler) toCache(r *http.Request, key string, value interface{}) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetJSON(r.Context(), key, value, h.ttl); err != nil {
		h.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// HandleSpaces 处理 GET /api/v1/context/spaces
func (h *ContextHandler) HandleSpaces(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "context:spaces"

	var docs []SpaceDocument
	if h.fromCache(r, cacheKey, &docs) {
		WriteSuccess(w, docs)
		return
	}

	spaces, err := h.client.ListSpaces(r.Context(), ContextLimit)
	if err != nil {
		WriteFromError(w, err, h.logger)
		return
	}

	docs = make([]SpaceDocument, 0, len(spaces))
	for _, s := range spaces {
		id := s.ID.String()
		if id == "" {
			// 部分部署不返回数值 ID，退化为 key
			id = s.Key
		}
		docs = append(docs, SpaceDocument{
			Type: "space",
			Key:  s.Key,
			Name: s.Name,
			ID:   id,
			URL:  h.client.SpaceURL(s.Key),
		})
	}

	h.toCache(r, cacheKey, docs)
	WriteSuccess(w, docs)
}

// HandlePages 处理 GET /api/v1/context/pages/{spaceKey}
func (h *ContextHandler) HandlePages(w http.ResponseWriter, r *http.Request) {
	spaceKey := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/context/pages/"), "/")
	if spaceKey == "" || strings.Contains(spaceKey, "/") {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "space key is required"), h.logger)
		return
	}

	cacheKey := "context:pages:" + spaceKey

	var docs []PageDocument
	if h.fromCache(r, cacheKey, &docs) {
		WriteSuccess(w, docs)
		return
	}

	pages, err := h.client.ListPages(r.Context(), spaceKey, ContextLimit)
	if err != nil {
		WriteFromError(w, err, h.logger)
		return
	}

	docs = make([]PageDocument, 0, len(pages))
	for _, p := range pages {
		docs = append(docs, PageDocument{
			Type:     "page",
			ID:       p.ID,
			Title:    p.Title,
			SpaceKey: spaceKey,
			URL:      h.client.PageURL(spaceKey, p.ID),
		})
	}

	h.toCache(r, cacheKey, docs)
	WriteSuccess(w, docs)
}
