package confluence

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/BaSui01/wikiflow/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newToolsRegistry(t *testing.T, handler http.Handler) *agent.Registry {
	t.Helper()
	var c *Client
	if handler != nil {
		c, _ = newTestClient(t, handler)
	} else {
		c = NewClient(Config{}, zap.NewNop())
	}
	reg := agent.NewRegistry(zap.NewNop())
	require.NoError(t, RegisterTools(reg, c))
	return reg
}

func runTool(t *testing.T, reg *agent.Registry, name, args string) (string, error) {
	t.Helper()
	fn, _, err := reg.Get(name)
	require.NoError(t, err)
	return fn(context.Background(), json.RawMessage(args))
}

func TestRegisterTools_AllSevenRegistered(t *testing.T) {
	reg := newToolsRegistry(t, nil)
	for _, name := range []string{
		ToolCreateSpace, ToolCreatePage, ToolGetPage, ToolSearchPages,
		ToolUpdatePage, ToolDeletePage, ToolAddComment,
	} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Len(t, reg.List(), 7)
}

func TestCreateSpaceTool_Success(t *testing.T) {
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 10, "key": "DEV", "name": "Development"}`))
	}))

	out, err := runTool(t, reg, ToolCreateSpace, `{"space_key":"DEV","space_name":"Development"}`)
	require.NoError(t, err)
	assert.Equal(t, "Successfully created a new Confluence space with key 'DEV' and name 'Development'.", out)
}

func TestCreateSpaceTool_Conflict(t *testing.T) {
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"exists"}`))
	}))

	_, err := runTool(t, reg, ToolCreateSpace, `{"space_key":"DEV","space_name":"Development"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestToolArgumentNamesMatchSchemas(t *testing.T) {
	reg := newToolsRegistry(t, nil)

	// 工具实现必须接受 schema 中声明的参数名
	_, err := runTool(t, reg, ToolCreateSpace, `{"space_name":"Development"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'space_key' and 'space_name' are required")

	_, err = runTool(t, reg, ToolAddComment, `{"page_id":"42"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'page_id' and 'comment_body' are required")

	// create_page 的 schema 将 body 标记为必填，校验必须一致
	_, err = runTool(t, reg, ToolCreatePage, `{"space_key":"DEV","title":"T"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'space_key', 'title' and 'body' are required")

	// schema 声明与校验逐项核对
	for _, tc := range []struct {
		tool     string
		required []string
	}{
		{ToolCreateSpace, []string{"space_key", "space_name"}},
		{ToolCreatePage, []string{"space_key", "title", "body"}},
		{ToolAddComment, []string{"page_id", "comment_body"}},
	} {
		_, meta, err := reg.Get(tc.tool)
		require.NoError(t, err)
		var params struct {
			Required []string `json:"required"`
		}
		require.NoError(t, json.Unmarshal(meta.Schema.Parameters, &params))
		assert.ElementsMatch(t, tc.required, params.Required, tc.tool)
	}
}

func TestGetPageTool_NotFoundMessage(t *testing.T) {
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := runTool(t, reg, ToolGetPage, `{"page_id":"999"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page with ID '999' was not found")
}

func TestSearchPagesTool_NeedsQueryOrSpace(t *testing.T) {
	reg := newToolsRegistry(t, nil)
	_, err := runTool(t, reg, ToolSearchPages, `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either a search query or a space key")
}

func TestSearchPagesTool_FormatsResults(t *testing.T) {
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `type = "page" and text ~ "roadmap" and space = "DEV"`, r.URL.Query().Get("cql"))
		_, _ = w.Write([]byte(`{"results":[{"content":{"id":"1","title":"Roadmap Q3"}}]}`))
	}))

	out, err := runTool(t, reg, ToolSearchPages, `{"query":"roadmap","space_key":"DEV"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Found the following pages:")
	assert.Contains(t, out, "Title: Roadmap Q3, ID: 1")
}

func TestSearchPagesTool_NoResults(t *testing.T) {
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))

	out, err := runTool(t, reg, ToolSearchPages, `{"query":"nothing"}`)
	require.NoError(t, err)
	assert.Equal(t, "No pages found for the search criteria.", out)
}

func TestUpdatePageTool_RequiresTitleOrBody(t *testing.T) {
	reg := newToolsRegistry(t, nil)
	_, err := runTool(t, reg, ToolUpdatePage, `{"page_id":"42"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either a new title or a new body")
}

func TestTools_NotConfiguredObservation(t *testing.T) {
	reg := newToolsRegistry(t, nil) // 无凭据客户端
	_, err := runTool(t, reg, ToolDeletePage, `{"page_id":"42"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestDeletePageTool_Success(t *testing.T) {
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	out, err := runTool(t, reg, ToolDeletePage, `{"page_id":"42"}`)
	require.NoError(t, err)
	assert.Equal(t, "Successfully deleted page with ID '42'.", out)
}

func TestAddCommentTool_Success(t *testing.T) {
	var commentPosted bool
	reg := newToolsRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			commentPosted = true
			_, _ = w.Write([]byte(`{"id":"c1","type":"comment","_links":{"webui":""}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"42","type":"page","title":"T","_links":{"webui":"/spaces/DEV/pages/42"}}`))
	}))

	out, err := runTool(t, reg, ToolAddComment, `{"page_id":"42","comment_body":"nice"}`)
	require.NoError(t, err)
	assert.True(t, commentPosted)
	assert.Contains(t, out, "Successfully added a comment to page with ID '42'.")
}
