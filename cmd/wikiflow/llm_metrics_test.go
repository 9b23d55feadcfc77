package main

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/wikiflow/internal/metrics"
	"github.com/BaSui01/wikiflow/llm"
	"github.com/BaSui01/wikiflow/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubProvider 返回固定响应/错误的最小 Provider
type stubProvider struct {
	resp *llm.ChatResponse
	err  error
}

func (s *stubProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return s.resp, s.err
}

func (s *stubProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Delta: s.resp.Choices[0].Message}
	ch <- llm.StreamChunk{Usage: &s.resp.Usage}
	close(ch)
	return ch, nil
}

func (s *stubProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (s *stubProvider) Name() string                        { return "stub" }
func (s *stubProvider) SupportsNativeFunctionCalling() bool { return true }

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func stubResponse(prompt, completion int) *llm.ChatResponse {
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}}},
		Usage:   llm.ChatUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}

func TestMetricsProvider_Completion(t *testing.T) {
	collector := metrics.NewCollector("mp_completion_test", zap.NewNop())
	p := newMetricsProvider(&stubProvider{resp: stubResponse(10, 4)}, collector, "fallback-model")

	_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m1"})
	require.NoError(t, err)

	assert.Equal(t, float64(1), counterValue(t, "mp_completion_test_llm_requests_total",
		map[string]string{"provider": "stub", "model": "m1", "status": "success"}))
	assert.Equal(t, float64(10), counterValue(t, "mp_completion_test_llm_tokens_used_total",
		map[string]string{"provider": "stub", "model": "m1", "type": "prompt"}))
	assert.Equal(t, float64(4), counterValue(t, "mp_completion_test_llm_tokens_used_total",
		map[string]string{"provider": "stub", "model": "m1", "type": "completion"}))
}

func TestMetricsProvider_CompletionError(t *testing.T) {
	collector := metrics.NewCollector("mp_error_test", zap.NewNop())
	p := newMetricsProvider(&stubProvider{err: types.NewError(types.ErrUpstreamError, "down")}, collector, "m2")

	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)

	// 请求模型为空时回落到配置模型
	assert.Equal(t, float64(1), counterValue(t, "mp_error_test_llm_requests_total",
		map[string]string{"provider": "stub", "model": "m2", "status": "error"}))
}

func TestMetricsProvider_Stream(t *testing.T) {
	collector := metrics.NewCollector("mp_stream_test", zap.NewNop())
	p := newMetricsProvider(&stubProvider{resp: stubResponse(6, 3)}, collector, "m3")

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m3"})
	require.NoError(t, err)
	for range ch {
	}

	// 流式记账发生在通道关闭后
	require.Eventually(t, func() bool {
		return counterValue(t, "mp_stream_test_llm_requests_total",
			map[string]string{"provider": "stub", "model": "m3", "status": "success"}) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(6), counterValue(t, "mp_stream_test_llm_tokens_used_total",
		map[string]string{"provider": "stub", "model": "m3", "type": "prompt"}))
}
