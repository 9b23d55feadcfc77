package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/wikiflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 通用响应辅助测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	WriteSuccess(w, map[string]string{"answer": "done"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_UsesExplicitStatus(t *testing.T) {
	w := httptest.NewRecorder()

	err := types.NewError(types.ErrInvalidRequest, "bad input").
		WithHTTPStatus(http.StatusBadRequest)
	WriteError(w, err, zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeResponse(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
	assert.Equal(t, "bad input", resp.Error.Message)
}

func TestWriteFromError(t *testing.T) {
	t.Run("structured error keeps its code", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteFromError(w, types.NewError(types.ErrNotFound, "page missing"), zap.NewNop())

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	})

	t.Run("wrapped structured error is unwrapped", func(t *testing.T) {
		w := httptest.NewRecorder()

		inner := types.NewError(types.ErrRateLimited, "slow down")
		WriteFromError(w, errors.Join(errors.New("outer"), inner), zap.NewNop())

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("plain error becomes internal error", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteFromError(w, errors.New("boom"), zap.NewNop())

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	})
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrAuthentication, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrConflict, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrPromptTooLong, http.StatusRequestEntityTooLarge},
		{types.ErrNotConfigured, http.StatusServiceUnavailable},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrMaxIterations, http.StatusInternalServerError},
		{types.ErrorCode("UNKNOWN_CODE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, mapErrorCodeToHTTPStatus(tt.code))
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Prompt string `json:"prompt"`
	}

	t.Run("valid body", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi"}`))

		var p payload
		require.NoError(t, DecodeJSONBody(w, r, &p, zap.NewNop()))
		assert.Equal(t, "hi", p.Prompt)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi","bogus":1}`))

		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, zap.NewNop()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":`))

		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, zap.NewNop()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateContentType(t *testing.T) {
	t.Run("json accepted", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "application/json")

		assert.True(t, ValidateContentType(w, r, zap.NewNop()))
	})

	t.Run("json with charset accepted", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "application/json; charset=utf-8")

		assert.True(t, ValidateContentType(w, r, zap.NewNop()))
	})

	t.Run("other types rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "text/plain")

		assert.False(t, ValidateContentType(w, r, zap.NewNop()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // 第二次写入被忽略
	_, err := rw.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestResponseWriter_DefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
