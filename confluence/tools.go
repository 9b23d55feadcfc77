package confluence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/wikiflow/agent"
	"github.com/BaSui01/wikiflow/llm"
	"github.com/BaSui01/wikiflow/types"
)

// 工具名称常量。LLM 按这些名称选择操作。
const (
	ToolCreateSpace = "confluence_create_space"
	ToolCreatePage  = "confluence_create_page"
	ToolGetPage     = "confluence_get_page"
	ToolSearchPages = "confluence_search_pages"
	ToolUpdatePage  = "confluence_update_page"
	ToolDeletePage  = "confluence_delete_page"
	ToolAddComment  = "confluence_add_comment"
)

// SearchLimit 搜索返回的最大命中数
const SearchLimit = 50

func schema(raw string) json.RawMessage { return json.RawMessage(raw) }

// RegisterTools 将全部 Confluence 工具注册到 agent 注册中心。
// 工具返回面向人类的文本观察，错误同样以文本回传给 LLM。
func RegisterTools(reg *agent.Registry, client *Client) error {
	tools := []struct {
		name string
		fn   agent.ToolFunc
		meta agent.ToolMetadata
	}{
		{
			name: ToolCreateSpace,
			fn:   createSpaceTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolCreateSpace,
				Description: "Creates a new Confluence space with a given key and name. Requires a unique 'space_key' (e.g. 'DEV') and a 'space_name' (e.g. 'Development Team').",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"space_key": {"type": "string", "description": "Unique space key, e.g. DEV"},
						"space_name": {"type": "string", "description": "Human readable space name"}
					},
					"required": ["space_key", "space_name"]
				}`),
			}},
		},
		{
			name: ToolCreatePage,
			fn:   createPageTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolCreatePage,
				Description: "Creates a new Confluence page in a space. Requires 'space_key', 'title' and 'body'. An optional 'parent_page_id' creates a child page.",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"space_key": {"type": "string", "description": "Key of the space to create the page in"},
						"title": {"type": "string", "description": "Title of the new page"},
						"body": {"type": "string", "description": "Page content in Confluence storage format or plain text"},
						"parent_page_id": {"type": "string", "description": "Optional parent page ID for a child page"}
					},
					"required": ["space_key", "title", "body"]
				}`),
			}},
		},
		{
			name: ToolGetPage,
			fn:   getPageTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolGetPage,
				Description: "Retrieves the details of a specific Confluence page by its ID. The input must be a page ID, not a title. Returns the title, space and content.",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"page_id": {"type": "string", "description": "Confluence page ID"}
					},
					"required": ["page_id"]
				}`),
			}},
		},
		{
			name: ToolSearchPages,
			fn:   searchPagesTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolSearchPages,
				Description: "Searches for Confluence pages by a text 'query' and/or a 'space_key'. At least one must be provided. Returns matching page titles and IDs.",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"query": {"type": "string", "description": "Full text search query"},
						"space_key": {"type": "string", "description": "Limit the search to this space"}
					}
				}`),
			}},
		},
		{
			name: ToolUpdatePage,
			fn:   updatePageTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolUpdatePage,
				Description: "Updates the title and/or body of an existing Confluence page. Requires 'page_id' and at least one of 'title' or 'body'. Unchanged fields keep their current value.",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"page_id": {"type": "string", "description": "ID of the page to update"},
						"title": {"type": "string", "description": "New title (optional)"},
						"body": {"type": "string", "description": "New body content (optional)"}
					},
					"required": ["page_id"]
				}`),
			}},
		},
		{
			name: ToolDeletePage,
			fn:   deletePageTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolDeletePage,
				Description: "Deletes a specific Confluence page by its ID.",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"page_id": {"type": "string", "description": "ID of the page to delete"}
					},
					"required": ["page_id"]
				}`),
			}},
		},
		{
			name: ToolAddComment,
			fn:   addCommentTool(client),
			meta: agent.ToolMetadata{Schema: llm.ToolSchema{
				Name:        ToolAddComment,
				Description: "Adds a comment to an existing Confluence page. Requires 'page_id' and the 'comment_body' text.",
				Parameters: schema(`{
					"type": "object",
					"properties": {
						"page_id": {"type": "string", "description": "ID of the page to comment on"},
						"comment_body": {"type": "string", "description": "Comment text"}
					},
					"required": ["page_id", "comment_body"]
				}`),
			}},
		},
	}

	for _, t := range tools {
		// 写操作统一 30s 超时（注册中心默认值）
		if err := reg.Register(t.name, t.fn, t.meta); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(args json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(args)))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func isCode(err error, code types.ErrorCode) bool {
	return types.GetErrorCode(err) == code
}

func createSpaceTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			SpaceKey  string `json:"space_key"`
			SpaceName string `json:"space_name"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.SpaceKey == "" || args.SpaceName == "" {
			return "", errors.New("both 'space_key' and 'space_name' are required to create a space")
		}

		space, err := c.CreateSpace(ctx, args.SpaceKey, args.SpaceName)
		if err != nil {
			if isCode(err, types.ErrConflict) {
				return "", fmt.Errorf("a space with key '%s' already exists. Please choose a different key", args.SpaceKey)
			}
			return "", err
		}
		return fmt.Sprintf("Successfully created a new Confluence space with key '%s' and name '%s'.", space.Key, space.Name), nil
	}
}

func createPageTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			SpaceKey     string `json:"space_key"`
			Title        string `json:"title"`
			Body         string `json:"body"`
			ParentPageID string `json:"parent_page_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.SpaceKey == "" || args.Title == "" || args.Body == "" {
			return "", errors.New("'space_key', 'title' and 'body' are required to create a page")
		}

		page, err := c.CreatePage(ctx, args.SpaceKey, args.Title, args.Body, args.ParentPageID)
		if err != nil {
			if isCode(err, types.ErrNotFound) {
				return "", fmt.Errorf("space with key '%s' was not found. Please provide a correct space key", args.SpaceKey)
			}
			return "", err
		}
		return fmt.Sprintf("Successfully created a new Confluence page! Title: '%s', ID: '%s', URL: %s",
			page.Title, page.ID, page.WebURL), nil
	}
}

func getPageTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			PageID string `json:"page_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.PageID == "" {
			return "", errors.New("'page_id' is required")
		}

		page, err := c.GetPage(ctx, args.PageID)
		if err != nil {
			if isCode(err, types.ErrNotFound) {
				return "", pageNotFoundErr(args.PageID)
			}
			return "", err
		}
		return fmt.Sprintf("Successfully retrieved Confluence page details.\nTitle: %s\nSpace: %s\nContent:\n%s",
			page.Title, page.SpaceKey, page.Body), nil
	}
}

func searchPagesTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			Query    string `json:"query"`
			SpaceKey string `json:"space_key"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}

		cql, err := BuildPageSearchCQL(args.Query, args.SpaceKey)
		if err != nil {
			return "", err
		}

		results, err := c.SearchCQL(ctx, cql, SearchLimit)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No pages found for the search criteria.", nil
		}

		var b strings.Builder
		b.WriteString("Found the following pages:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "  - Title: %s, ID: %s\n", r.Title, r.ID)
		}
		return b.String(), nil
	}
}

func updatePageTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			PageID string `json:"page_id"`
			Title  string `json:"title"`
			Body   string `json:"body"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.PageID == "" {
			return "", errors.New("'page_id' is required")
		}
		if args.Title == "" && args.Body == "" {
			return "", errors.New("you must provide either a new title or a new body to update the page")
		}

		page, err := c.UpdatePage(ctx, args.PageID, args.Title, args.Body)
		if err != nil {
			if isCode(err, types.ErrNotFound) {
				return "", pageNotFoundErr(args.PageID)
			}
			return "", err
		}
		return fmt.Sprintf("Successfully updated page with ID '%s'. New Title: '%s'. URL: %s",
			page.ID, page.Title, page.WebURL), nil
	}
}

func deletePageTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			PageID string `json:"page_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.PageID == "" {
			return "", errors.New("'page_id' is required")
		}

		if err := c.DeletePage(ctx, args.PageID); err != nil {
			if isCode(err, types.ErrNotFound) {
				return "", pageNotFoundErr(args.PageID)
			}
			return "", err
		}
		return fmt.Sprintf("Successfully deleted page with ID '%s'.", args.PageID), nil
	}
}

func addCommentTool(c *Client) agent.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			PageID      string `json:"page_id"`
			CommentBody string `json:"comment_body"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if args.PageID == "" || args.CommentBody == "" {
			return "", errors.New("'page_id' and 'comment_body' are required")
		}

		if err := c.AddComment(ctx, args.PageID, args.CommentBody); err != nil {
			if isCode(err, types.ErrNotFound) {
				return "", pageNotFoundErr(args.PageID)
			}
			return "", err
		}

		url := ""
		if page, err := c.GetPage(ctx, args.PageID); err == nil {
			url = page.WebURL
		}
		return fmt.Sprintf("Successfully added a comment to page with ID '%s'. URL: %s", args.PageID, url), nil
	}
}

func pageNotFoundErr(pageID string) error {
	return fmt.Errorf("page with ID '%s' was not found. Please provide a correct page ID", pageID)
}
