package confluence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/wikiflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:    srv.URL,
		Username:   "bot@example.com",
		APIToken:   "token",
		MaxRetries: 1,
	}, zap.NewNop())
	return c, srv
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Config{}, zap.NewNop())
	assert.False(t, c.Configured())

	_, err := c.GetPage(context.Background(), "42")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotConfigured, types.GetErrorCode(err))
}

func TestCreateSpace_Conflict(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/space", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "token", pass)

		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"Space with key DEV already exists"}`))
	}))

	_, err := c.CreateSpace(context.Background(), "DEV", "Development")
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))
}

func TestGetPage_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no content with id 999"}`))
	}))

	_, err := c.GetPage(context.Background(), "999")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestGetPage_ExpandsBodyAndSpace(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/content/42", r.URL.Path)
		assert.Equal(t, "body.storage,space,version", r.URL.Query().Get("expand"))
		_, _ = w.Write([]byte(`{
			"id": "42", "type": "page", "title": "Roadmap",
			"space": {"key": "DEV"},
			"body": {"storage": {"value": "<p>Q3 plans</p>", "representation": "storage"}},
			"version": {"number": 3},
			"_links": {"webui": "/spaces/DEV/pages/42"}
		}`))
	}))

	page, err := c.GetPage(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", page.Title)
	assert.Equal(t, "DEV", page.SpaceKey)
	assert.Equal(t, "<p>Q3 plans</p>", page.Body)
	assert.Equal(t, 3, page.Version)
	assert.Equal(t, srv.URL+"/spaces/DEV/pages/42", page.WebURL)
}

func TestUpdatePage_PreservesFieldsAndBumpsVersion(t *testing.T) {
	var putBody contentEntity
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{
				"id": "42", "type": "page", "title": "Old Title",
				"space": {"key": "DEV"},
				"body": {"storage": {"value": "old body", "representation": "storage"}},
				"version": {"number": 7},
				"_links": {"webui": "/x"}
			}`))
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			_, _ = w.Write([]byte(`{
				"id": "42", "type": "page", "title": "New Title",
				"space": {"key": "DEV"},
				"version": {"number": 8},
				"_links": {"webui": "/x"}
			}`))
		}
	}))

	// 只改标题，正文保持原值，版本 +1
	page, err := c.UpdatePage(context.Background(), "42", "New Title", "")
	require.NoError(t, err)
	assert.Equal(t, "New Title", page.Title)
	assert.Equal(t, 8, page.Version)

	require.NotNil(t, putBody.Version)
	assert.Equal(t, 8, putBody.Version.Number)
	require.NotNil(t, putBody.Body)
	assert.Equal(t, "old body", putBody.Body.Storage.Value)
	assert.Equal(t, "storage", putBody.Body.Storage.Representation)
}

func TestAddComment_WrapsBodyInDiv(t *testing.T) {
	var posted contentEntity
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"c1","type":"comment","_links":{"webui":""}}`))
	}))

	require.NoError(t, c.AddComment(context.Background(), "42", "nice work"))
	assert.Equal(t, "comment", posted.Type)
	require.NotNil(t, posted.Container)
	assert.Equal(t, "42", posted.Container.ID)
	assert.Equal(t, "page", posted.Container.Type)
	require.NotNil(t, posted.Body)
	assert.Equal(t, "<div>nice work</div>", posted.Body.Storage.Value)
}

func TestSearchCQL_EncodesQueryAndLimits(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/search", r.URL.Path)
		assert.Equal(t, `type = "page" and text ~ "q&a"`, r.URL.Query().Get("cql"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"results":[
			{"content":{"id":"1","title":"First"}},
			{"content":{"id":"2","title":"Second"}}
		]}`))
	}))

	results, err := c.SearchCQL(context.Background(), `type = "page" and text ~ "q&a"`, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "First", results[0].Title)
	assert.Equal(t, "2", results[1].ID)
}

func TestListPages_SetsSpaceKey(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/content", r.URL.Path)
		assert.Equal(t, "DEV", r.URL.Query().Get("spaceKey"))
		assert.Equal(t, "page", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"results":[{"id":"1","type":"page","title":"Home","_links":{"webui":"/h"}}]}`))
	}))

	pages, err := c.ListPages(context.Background(), "DEV", 50)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "DEV", pages[0].SpaceKey)
}

func TestRetry_On503(t *testing.T) {
	attempts := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))

	_, err := c.ListSpaces(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDeletePage_NoContent(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/rest/api/content/42", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.DeletePage(context.Background(), "42"))
}
