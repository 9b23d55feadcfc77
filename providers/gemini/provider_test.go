package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/wikiflow/llm"
	"github.com/BaSui01/wikiflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCompletion_TextAnswer(t *testing.T) {
	var gotPath string
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "DOCS space created"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 4, "totalTokenCount": 16}
		}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-2.5-flash"}, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You manage Confluence."},
			{Role: llm.RoleUser, Content: "create a space named DOCS"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "DOCS space created", resp.Choices[0].Message.Content)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
}

func TestCompletion_FunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// system 消息必须走 systemInstruction
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Tools, 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [
				{"functionCall": {"name": "confluence_create_space", "args": {"space_name": "Docs", "space_key": "DOCS"}}}
			]}, "finishReason": "STOP"}]
		}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "sys"},
			{Role: llm.RoleUser, Content: "create docs space"},
		},
		Tools: []llm.ToolSchema{{
			Name:       "confluence_create_space",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	tc := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "confluence_create_space", tc.Name)
	assert.JSONEq(t, `{"space_name":"Docs","space_key":"DOCS"}`, string(tc.Arguments))
}

func TestCompletion_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"unauthorized", 401, `{"error":{"code":401,"message":"bad key","status":"UNAUTHENTICATED"}}`, types.ErrUnauthorized, false},
		{"forbidden", 403, `{"error":{"code":403,"message":"denied","status":"PERMISSION_DENIED"}}`, types.ErrForbidden, false},
		{"rate limited", 429, `{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`, types.ErrRateLimited, true},
		{"quota", 400, `{"error":{"code":400,"message":"quota exceeded","status":"INVALID_ARGUMENT"}}`, types.ErrQuotaExceeded, false},
		{"bad request", 400, `{"error":{"code":400,"message":"bad schema","status":"INVALID_ARGUMENT"}}`, types.ErrInvalidRequest, false},
		{"upstream down", 503, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, types.ErrUpstreamError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
			_, err := p.Completion(context.Background(), &llm.ChatRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestStream_AssemblesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[{\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Page \"}]},\"index\":0}]}\n"))
		_, _ = w.Write([]byte(",{\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"created\"}]},\"finishReason\":\"STOP\",\"index\":0}],\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":2,\"totalTokenCount\":7}}\n"))
		_, _ = w.Write([]byte("]\n"))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var text string
	var usage *llm.ChatUsage
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		text += chunk.Delta.Content
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	assert.Equal(t, "Page created", text)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestCompletion_MissingAPIKey(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	require.False(t, p.Configured())

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotConfigured, types.GetErrorCode(err))
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)

	_, err = p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotConfigured, types.GetErrorCode(err))

	// 缺 Key 时不应触碰上游
	assert.Equal(t, 0, hits)
}

func TestStream_AbandonedConsumerStops(t *testing.T) {
	chunkLine := "{\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"x\"}]},\"index\":0}]}\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("[" + chunkLine))
		for i := 0; i < 8; i++ {
			_, _ = w.Write([]byte("," + chunkLine))
		}
		flusher.Flush()
		// 保持响应体打开，模拟仍在生成的上游
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	ch, err := p.Stream(ctx, &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	// 只消费一个 chunk 后取消并放弃通道
	first, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "x", first.Delta.Content)
	cancel()

	// 生产者必须在取消后退出并关闭通道，而不是永久阻塞在发送上
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after context cancellation")
		}
	}
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "m1", chooseModel(&llm.ChatRequest{Model: "m1"}, "m2"))
	assert.Equal(t, "m2", chooseModel(&llm.ChatRequest{}, "m2"))
	assert.Equal(t, DefaultModel, chooseModel(nil, ""))
}

func TestConvertContents_ToolRoundTrip(t *testing.T) {
	sys, contents := convertContents([]llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "delete page 42"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			Name:      "confluence_delete_page",
			Arguments: json.RawMessage(`{"page_id":"42"}`),
		}}},
		{Role: llm.RoleTool, Name: "confluence_delete_page", Content: "Page 42 deleted successfully!"},
	})

	require.NotNil(t, sys)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	// 非 JSON 的工具输出包装为 {"result": ...}
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "Page 42 deleted successfully!", contents[2].Parts[0].FunctionResponse.Response["result"])
}
