package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/wikiflow/internal/store"
	"github.com/BaSui01/wikiflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📜 调用历史 Handler
// =============================================================================

// HistoryHandler 暴露调用历史的只读接口。
// 未配置数据库时所有请求返回 503。
type HistoryHandler struct {
	store  *store.Store // 可为 nil
	logger *zap.Logger
}

// NewHistoryHandler 创建历史处理器
func NewHistoryHandler(s *store.Store, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  s,
		logger: logger.With(zap.String("handler", "history")),
	}
}

func (h *HistoryHandler) available(w http.ResponseWriter) bool {
	if h.store == nil {
		WriteError(w, types.NewError(types.ErrNotConfigured,
			"invocation history is disabled: no database configured"), h.logger)
		return false
	}
	return true
}

// HandleList 处理 GET /api/v1/invocations
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	invocations, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		WriteFromError(w, err, h.logger)
		return
	}
	WriteSuccess(w, invocations)
}

// HandleGet 处理 GET /api/v1/invocations/{id}
func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/invocations/"), "/")
	if id == "" {
		h.HandleList(w, r)
		return
	}

	inv, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteFromError(w, err, h.logger)
		return
	}
	WriteSuccess(w, inv)
}
