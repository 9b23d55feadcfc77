package main

import (
	"context"
	"time"

	"github.com/BaSui01/wikiflow/internal/metrics"
	"github.com/BaSui01/wikiflow/llm"
)

// =============================================================================
// 📊 LLM Provider 指标包装
// =============================================================================

// metricsProvider 包装 llm.Provider，为每次补全/流式调用记录
// 请求计数、耗时与 token 用量。
type metricsProvider struct {
	llm.Provider
	collector *metrics.Collector
	model     string
}

func newMetricsProvider(inner llm.Provider, collector *metrics.Collector, model string) *metricsProvider {
	return &metricsProvider{Provider: inner, collector: collector, model: model}
}

func (m *metricsProvider) requestModel(req *llm.ChatRequest) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return m.model
}

func (m *metricsProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := m.Provider.Completion(ctx, req)

	status := "success"
	var promptTokens, completionTokens int
	if err != nil {
		status = "error"
	} else {
		promptTokens = resp.Usage.PromptTokens
		completionTokens = resp.Usage.CompletionTokens
	}
	m.collector.RecordLLMRequest(m.Provider.Name(), m.requestModel(req), status, time.Since(start), promptTokens, completionTokens)

	return resp, err
}

func (m *metricsProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	start := time.Now()
	inner, err := m.Provider.Stream(ctx, req)
	if err != nil {
		m.collector.RecordLLMRequest(m.Provider.Name(), m.requestModel(req), "error", time.Since(start), 0, 0)
		return nil, err
	}

	// 流式请求在通道关闭时记账：token 用量来自最后一个带 usage 的 chunk
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)

		status := "success"
		var promptTokens, completionTokens int
		for chunk := range inner {
			if chunk.Err != nil {
				status = "error"
			}
			if chunk.Usage != nil {
				promptTokens = chunk.Usage.PromptTokens
				completionTokens = chunk.Usage.CompletionTokens
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				m.collector.RecordLLMRequest(m.Provider.Name(), m.requestModel(req), "cancelled", time.Since(start), promptTokens, completionTokens)
				return
			}
		}
		m.collector.RecordLLMRequest(m.Provider.Name(), m.requestModel(req), status, time.Since(start), promptTokens, completionTokens)
	}()

	return out, nil
}
