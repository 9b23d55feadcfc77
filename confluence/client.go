package confluence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/wikiflow/llm/retry"
	"github.com/BaSui01/wikiflow/types"
	"go.uber.org/zap"
)

// Config Confluence 连接配置
type Config struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`       // 例如 https://your-domain.atlassian.net
	Username   string        `json:"username" yaml:"username"`       // Atlassian 账号邮箱
	APIToken   string        `json:"api_token" yaml:"api_token"`     // API Token（Basic Auth 密码位）
	APIRoot    string        `json:"api_root" yaml:"api_root"`       // REST 前缀，默认 rest/api
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`         // 单次请求超时
	MaxRetries int           `json:"max_retries" yaml:"max_retries"` // 可重试错误的最大重试次数
}

// Space Confluence 空间
type Space struct {
	ID   json.Number `json:"id,omitempty"`
	Key  string      `json:"key"`
	Name string      `json:"name"`
}

// Page Confluence 页面
type Page struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SpaceKey string `json:"space_key,omitempty"`
	Body     string `json:"body,omitempty"`
	Version  int    `json:"version,omitempty"`
	WebURL   string `json:"web_url,omitempty"`
}

// SearchResult CQL 搜索命中
type SearchResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Client 封装 Confluence Cloud REST API。
// 未配置凭据时 Client 仍可创建，所有调用返回 ErrNotConfigured，
// 由上层转换为提示信息。
type Client struct {
	cfg     Config
	http    *http.Client
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewClient 创建 Confluence 客户端。
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.APIRoot == "" {
		cfg.APIRoot = "rest/api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := retry.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}
	policy.InitialDelay = 500 * time.Millisecond
	policy.MaxDelay = 5 * time.Second

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		retryer: retry.NewBackoffRetryer(policy, logger),
		logger:  logger.With(zap.String("component", "confluence")),
	}
}

// Configured 返回客户端是否具备可用凭据。
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.Username != "" && c.cfg.APIToken != ""
}

// BaseURL 返回去掉尾部斜杠的站点地址，供上层拼接 webui 链接。
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

// SpaceURL 返回空间的浏览地址。
func (c *Client) SpaceURL(key string) string {
	return fmt.Sprintf("%s/wiki/spaces/%s", c.BaseURL(), key)
}

// PageURL 返回页面的浏览地址。
func (c *Client) PageURL(spaceKey, pageID string) string {
	return fmt.Sprintf("%s/wiki/spaces/%s/pages/%s", c.BaseURL(), spaceKey, pageID)
}

var errNotConfigured = types.NewError(types.ErrNotConfigured,
	"Confluence client is not configured: set base URL, username and API token").
	WithHTTPStatus(http.StatusServiceUnavailable)

func (c *Client) endpoint(path string, query url.Values) string {
	u := fmt.Sprintf("%s/%s/%s", c.BaseURL(), strings.Trim(c.cfg.APIRoot, "/"), strings.TrimLeft(path, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do 发起一次带认证和重试的请求，结果解码到 out（可为 nil）。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if !c.Configured() {
		return errNotConfigured
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return types.NewError(types.ErrInternalError, "encode request body").WithCause(err)
		}
	}

	endpoint := c.endpoint(path, query)

	return c.retryer.Do(ctx, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return types.NewError(types.ErrInternalError, "build request").WithCause(err)
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.APIToken)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			return types.NewError(types.ErrUpstreamError, err.Error()).
				WithHTTPStatus(http.StatusBadGateway).
				WithRetryable(true)
		}
		defer resp.Body.Close()

		c.logger.Debug("confluence request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))

		if resp.StatusCode >= 400 {
			return mapStatusError(resp.StatusCode, readAPIErrMsg(resp.Body))
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewError(types.ErrUpstreamError, "decode response").WithCause(err)
		}
		return nil
	})
}

// mapStatusError 将 Confluence REST 状态码映射为内部错误码。
// 404 与 409 携带语义（页面/空间不存在、空间键冲突），供工具层生成提示。
func mapStatusError(status int, msg string) *types.Error {
	e := func(code types.ErrorCode, retryable bool) *types.Error {
		return types.NewError(code, msg).WithHTTPStatus(status).WithRetryable(retryable)
	}
	switch {
	case status == http.StatusNotFound:
		return e(types.ErrNotFound, false)
	case status == http.StatusConflict:
		return e(types.ErrConflict, false)
	case status == http.StatusUnauthorized:
		return e(types.ErrAuthentication, false)
	case status == http.StatusForbidden:
		return e(types.ErrForbidden, false)
	case status == http.StatusTooManyRequests:
		return e(types.ErrRateLimited, true)
	case status >= 500:
		return e(types.ErrUpstreamError, true)
	default:
		return e(types.ErrInvalidRequest, false)
	}
}

type apiError struct {
	Message string `json:"message"`
	Data    struct {
		Errors []struct {
			Message struct {
				Translation string `json:"translation"`
			} `json:"message"`
		} `json:"errors"`
	} `json:"data"`
}

func readAPIErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	var e apiError
	if err := json.Unmarshal(data, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if len(e.Data.Errors) > 0 && e.Data.Errors[0].Message.Translation != "" {
			return e.Data.Errors[0].Message.Translation
		}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = "confluence API error"
	}
	return msg
}

// ====== 内容实体的 REST 形状 ======

type contentBody struct {
	Storage struct {
		Value          string `json:"value"`
		Representation string `json:"representation"`
	} `json:"storage"`
}

func storageBody(value string) contentBody {
	var b contentBody
	b.Storage.Value = value
	b.Storage.Representation = "storage"
	return b
}

type contentEntity struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	Space *struct {
		Key  string `json:"key"`
		Name string `json:"name,omitempty"`
	} `json:"space,omitempty"`
	Body      *contentBody `json:"body,omitempty"`
	Ancestors []struct {
		ID string `json:"id"`
	} `json:"ancestors,omitempty"`
	Container *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"container,omitempty"`
	Version *struct {
		Number int `json:"number"`
	} `json:"version,omitempty"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

func (e *contentEntity) toPage(base string) *Page {
	p := &Page{ID: e.ID, Title: e.Title}
	if e.Space != nil {
		p.SpaceKey = e.Space.Key
	}
	if e.Body != nil {
		p.Body = e.Body.Storage.Value
	}
	if e.Version != nil {
		p.Version = e.Version.Number
	}
	if e.Links.WebUI != "" {
		p.WebURL = base + e.Links.WebUI
	}
	return p
}

// ====== 操作 ======

// CreateSpace 创建空间。键已存在时返回 ErrConflict。
func (c *Client) CreateSpace(ctx context.Context, key, name string) (*Space, error) {
	payload := map[string]string{"key": key, "name": name}
	var out Space
	if err := c.do(ctx, http.MethodPost, "space", nil, payload, &out); err != nil {
		return nil, err
	}
	if out.Key == "" {
		out.Key = key
	}
	if out.Name == "" {
		out.Name = name
	}
	return &out, nil
}

// CreatePage 在指定空间创建页面，parentID 非空时作为子页面。
// 空间不存在时返回 ErrNotFound。
func (c *Client) CreatePage(ctx context.Context, spaceKey, title, body, parentID string) (*Page, error) {
	entity := contentEntity{Type: "page", Title: title}
	entity.Space = &struct {
		Key  string `json:"key"`
		Name string `json:"name,omitempty"`
	}{Key: spaceKey}
	b := storageBody(body)
	entity.Body = &b
	if parentID != "" {
		entity.Ancestors = []struct {
			ID string `json:"id"`
		}{{ID: parentID}}
	}

	var out contentEntity
	if err := c.do(ctx, http.MethodPost, "content", nil, entity, &out); err != nil {
		return nil, err
	}
	return out.toPage(c.BaseURL()), nil
}

// GetPage 按 ID 获取页面，展开正文、所属空间和版本。
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	query := url.Values{"expand": {"body.storage,space,version"}}
	var out contentEntity
	if err := c.do(ctx, http.MethodGet, "content/"+pageID, query, nil, &out); err != nil {
		return nil, err
	}
	return out.toPage(c.BaseURL()), nil
}

// UpdatePage 更新页面标题和/或正文。
// 读取当前内容后回写，未更改的字段保持原值，版本号自增一。
func (c *Client) UpdatePage(ctx context.Context, pageID, title, body string) (*Page, error) {
	current, err := c.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	if title == "" {
		title = current.Title
	}
	if body == "" {
		body = current.Body
	}

	entity := contentEntity{ID: pageID, Type: "page", Title: title}
	entity.Space = &struct {
		Key  string `json:"key"`
		Name string `json:"name,omitempty"`
	}{Key: current.SpaceKey}
	sb := storageBody(body)
	entity.Body = &sb
	entity.Version = &struct {
		Number int `json:"number"`
	}{Number: current.Version + 1}

	var out contentEntity
	if err := c.do(ctx, http.MethodPut, "content/"+pageID, nil, entity, &out); err != nil {
		return nil, err
	}
	page := out.toPage(c.BaseURL())
	if page.SpaceKey == "" {
		page.SpaceKey = current.SpaceKey
	}
	return page, nil
}

// DeletePage 按 ID 删除页面。
func (c *Client) DeletePage(ctx context.Context, pageID string) error {
	return c.do(ctx, http.MethodDelete, "content/"+pageID, nil, nil, nil)
}

// AddComment 给页面追加评论，正文包装为 <div>。
func (c *Client) AddComment(ctx context.Context, pageID, comment string) error {
	entity := contentEntity{Type: "comment"}
	entity.Container = &struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}{ID: pageID, Type: "page"}
	b := storageBody(fmt.Sprintf("<div>%s</div>", comment))
	entity.Body = &b

	return c.do(ctx, http.MethodPost, "content", nil, entity, nil)
}

// SearchCQL 执行 CQL 查询，返回命中的页面列表。
func (c *Client) SearchCQL(ctx context.Context, cql string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{
		"cql":   {cql},
		"limit": {strconv.Itoa(limit)},
	}

	var out struct {
		Results []struct {
			Content struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"content"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "search", query, nil, &out); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, SearchResult{ID: r.Content.ID, Title: r.Content.Title})
	}
	return results, nil
}

// ListSpaces 返回可访问的空间，最多 limit 个。
func (c *Client) ListSpaces(ctx context.Context, limit int) ([]Space, error) {
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{
		"start": {"0"},
		"limit": {strconv.Itoa(limit)},
	}

	var out struct {
		Results []Space `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "space", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ListPages 返回指定空间下的页面，最多 limit 个。
func (c *Client) ListPages(ctx context.Context, spaceKey string, limit int) ([]Page, error) {
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{
		"spaceKey": {spaceKey},
		"type":     {"page"},
		"start":    {"0"},
		"limit":    {strconv.Itoa(limit)},
	}

	var out struct {
		Results []contentEntity `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "content", query, nil, &out); err != nil {
		return nil, err
	}

	pages := make([]Page, 0, len(out.Results))
	for _, e := range out.Results {
		p := e.toPage(c.BaseURL())
		p.SpaceKey = spaceKey
		pages = append(pages, *p)
	}
	return pages, nil
}

// HealthCheck 验证凭据可用（获取当前用户信息）。
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "user/current", nil, nil, nil)
}
