package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/wikiflow/agent"
	"github.com/BaSui01/wikiflow/internal/metrics"
	"github.com/BaSui01/wikiflow/internal/store"
	"github.com/BaSui01/wikiflow/llm/tokenizer"
	"github.com/BaSui01/wikiflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 💬 自然语言调用 Handler
// =============================================================================

// InvokeRequest 调用请求
type InvokeRequest struct {
	Prompt string `json:"prompt"`
	// IncludeSteps 为 true 时返回完整的推理步骤
	IncludeSteps bool `json:"include_steps,omitempty"`
}

// InvokeResponse 调用响应
type InvokeResponse struct {
	Response     string       `json:"response"`
	InvocationID string       `json:"invocation_id,omitempty"`
	Iterations   int          `json:"iterations"`
	TotalTokens  int          `json:"total_tokens,omitempty"`
	Steps        []agent.Step `json:"steps,omitempty"`
}

// InvokeHandler 驱动 Agent 处理自然语言请求
type InvokeHandler struct {
	agent           *agent.Agent
	store           *store.Store // 可为 nil（未配置数据库）
	counter         tokenizer.Counter
	collector       *metrics.Collector // 可为 nil
	maxPromptTokens int
	logger          *zap.Logger
}

// NewInvokeHandler 创建调用处理器。store 与 collector 可为 nil。
func NewInvokeHandler(a *agent.Agent, s *store.Store, counter tokenizer.Counter, collector *metrics.Collector, maxPromptTokens int, logger *zap.Logger) *InvokeHandler {
	if counter == nil {
		counter = tokenizer.NewCounter("")
	}
	return &InvokeHandler{
		agent:           a,
		store:           s,
		counter:         counter,
		collector:       collector,
		maxPromptTokens: maxPromptTokens,
		logger:          logger.With(zap.String("handler", "invoke")),
	}
}

// validatePrompt 校验 prompt 非空且不超出 Token 预算。
func (h *InvokeHandler) validatePrompt(prompt string) *types.Error {
	if strings.TrimSpace(prompt) == "" {
		return types.NewError(types.ErrInvalidRequest, "prompt cannot be empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if h.maxPromptTokens > 0 {
		count, err := h.counter.CountTokens(prompt)
		if err == nil && count > h.maxPromptTokens {
			return types.NewError(types.ErrPromptTooLong,
				fmt.Sprintf("prompt is %d tokens, limit is %d", count, h.maxPromptTokens))
		}
	}
	return nil
}

// record 持久化调用记录并上报指标。store 缺失时仅上报指标。
func (h *InvokeHandler) record(r *http.Request, req InvokeRequest, result *agent.Result, runErr error, duration time.Duration) string {
	status := store.StatusSucceeded
	if runErr != nil {
		status = store.StatusFailed
	}

	iterations := 0
	if result != nil {
		iterations = result.Iterations
	}
	if h.collector != nil {
		h.collector.RecordInvocation(status, duration, iterations)
	}

	if h.store == nil {
		return ""
	}

	inv := &store.Invocation{
		Prompt:     req.Prompt,
		Status:     status,
		DurationMS: duration.Milliseconds(),
	}
	if result != nil {
		inv.Answer = result.Answer
		inv.Iterations = result.Iterations
		inv.PromptTokens = result.PromptTokens
		inv.CompletionTokens = result.CompletionTokens
		inv.TotalTokens = result.TotalTokens
	}
	if runErr != nil {
		inv.ErrorMessage = runErr.Error()
	}

	// 客户端断开不应阻止留痕
	saveCtx := context.WithoutCancel(r.Context())
	if err := h.store.Save(saveCtx, inv); err != nil {
		h.logger.Warn("failed to persist invocation", zap.Error(err))
		return ""
	}
	return inv.ID
}

// HandleInvoke 处理 POST /api/v1/invoke
func (h *InvokeHandler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req InvokeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validatePrompt(req.Prompt); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	start := time.Now()
	result, runErr := h.agent.Run(r.Context(), req.Prompt)
	duration := time.Since(start)

	invocationID := h.record(r, req, result, runErr, duration)

	if runErr != nil {
		h.logger.Error("invocation failed",
			zap.Error(runErr),
			zap.Duration("duration", duration))
		WriteFromError(w, runErr, h.logger)
		return
	}

	h.logger.Info("invocation completed",
		zap.Int("iterations", result.Iterations),
		zap.Int("total_tokens", result.TotalTokens),
		zap.Duration("duration", duration))

	resp := InvokeResponse{
		Response:     result.Answer,
		InvocationID: invocationID,
		Iterations:   result.Iterations,
		TotalTokens:  result.TotalTokens,
	}
	if req.IncludeSteps {
		resp.Steps = result.Steps
	}
	WriteSuccess(w, resp)
}

// HandleInvokeStream 处理 POST /api/v1/invoke/stream，以 SSE 推送事件。
// 事件类型与 agent.StreamEvent.Type 一致，data 为事件的 JSON。
func (h *InvokeHandler) HandleInvokeStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req InvokeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validatePrompt(req.Prompt); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"streaming unsupported by connection", h.logger)
		return
	}

	start := time.Now()
	events, err := h.agent.RunStream(r.Context(), req.Prompt)
	if err != nil {
		WriteFromError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var finalResult *agent.Result
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case "completed":
			finalResult = ev.Result
		case "error":
			streamErr = fmt.Errorf("%s", ev.Error)
		}

		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}

	h.record(r, req, finalResult, streamErr, time.Since(start))
}
