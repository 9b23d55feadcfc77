package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/wikiflow/llm"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ToolFunc 工具函数签名。返回值是给 LLM 的观察文本（人类可读）。
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// ToolMetadata 工具元数据
type ToolMetadata struct {
	Schema    llm.ToolSchema // 工具 JSON Schema
	Timeout   time.Duration  // 单次执行超时（默认 30s）
	RateLimit rate.Limit     // 每秒调用上限（0 表示不限制）
	Burst     int            // 速率突发量
}

// ToolResult 单次工具执行结果
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Registry 工具注册中心
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]ToolFunc
	metadata map[string]ToolMetadata
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewRegistry 创建工具注册中心。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:    make(map[string]ToolFunc),
		metadata: make(map[string]ToolMetadata),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Register 注册工具。名称必须与 Schema.Name 一致。
func (r *Registry) Register(name string, fn ToolFunc, metadata ToolMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	if metadata.Schema.Name == "" {
		metadata.Schema.Name = name
	}
	if metadata.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", metadata.Schema.Name, name)
	}

	if metadata.Timeout == 0 {
		metadata.Timeout = 30 * time.Second
	}

	r.tools[name] = fn
	r.metadata[name] = metadata

	if metadata.RateLimit > 0 {
		burst := metadata.Burst
		if burst == 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(metadata.RateLimit, burst)
	}

	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", metadata.Timeout))
	return nil
}

// Get 返回工具函数与元数据。
func (r *Registry) Get(name string) (ToolFunc, ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.tools[name]
	if !ok {
		return nil, ToolMetadata{}, fmt.Errorf("tool %s not found", name)
	}
	return fn, r.metadata[name], nil
}

// List 返回所有已注册工具的 Schema，供 ChatRequest.Tools 使用。
func (r *Registry) List() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.metadata))
	for _, meta := range r.metadata {
		schemas = append(schemas, meta.Schema)
	}
	return schemas
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// allow 检查工具调用是否超出速率限制
func (r *Registry) allow(name string) bool {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return limiter.Allow()
}

// Executor 并发执行工具调用。单个工具失败不会中断其他工具，
// 错误以观察文本的形式返回给 LLM。
type Executor struct {
	registry *Registry
	logger   *zap.Logger
	hook     func(result ToolResult) // 指标回调（可选）
}

// NewExecutor 创建工具执行器。
func NewExecutor(registry *Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, logger: logger}
}

// OnResult 设置每次工具执行完成后的回调（用于指标上报）。
func (e *Executor) OnResult(hook func(result ToolResult)) {
	e.hook = hook
}

// Execute 并发执行一批工具调用，结果顺序与 calls 一致。
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c llm.ToolCall) {
			defer wg.Done()
			results[idx] = e.ExecuteOne(ctx, c)
		}(i, call)
	}
	wg.Wait()

	return results
}

// ExecuteOne 执行单个工具调用，带超时控制。
func (e *Executor) ExecuteOne(ctx context.Context, call llm.ToolCall) ToolResult {
	start := time.Now()
	result := ToolResult{ToolCallID: call.ID, Name: call.Name}
	defer func() {
		result.Duration = time.Since(start)
		if e.hook != nil {
			e.hook(result)
		}
	}()

	fn, meta, err := e.registry.Get(call.Name)
	if err != nil {
		result.Error = fmt.Sprintf("tool not found: %s", err.Error())
		e.logger.Error("tool not found", zap.String("name", call.Name), zap.Error(err))
		return result
	}

	if !e.registry.allow(call.Name) {
		result.Error = fmt.Sprintf("rate limit exceeded for tool %s", call.Name)
		e.logger.Warn("tool rate limit exceeded", zap.String("name", call.Name))
		return result
	}

	// 参数必须是有效 JSON
	if len(call.Arguments) > 0 && !json.Valid(call.Arguments) {
		result.Error = "invalid arguments: not valid JSON"
		e.logger.Error("invalid tool arguments", zap.String("name", call.Name))
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	// 带缓冲，超时后 goroutine 仍可退出
	doneChan := make(chan outcome, 1)

	go func() {
		out, err := fn(execCtx, call.Arguments)
		select {
		case doneChan <- outcome{out, err}:
		case <-execCtx.Done():
		}
	}()

	select {
	case done := <-doneChan:
		if done.err != nil {
			result.Error = done.err.Error()
			e.logger.Error("tool execution failed",
				zap.String("name", call.Name),
				zap.Error(done.err),
				zap.Duration("duration", time.Since(start)))
		} else {
			result.Output = done.out
			e.logger.Info("tool executed",
				zap.String("name", call.Name),
				zap.Duration("duration", time.Since(start)))
		}

	case <-execCtx.Done():
		result.Error = fmt.Sprintf("execution timeout after %s", meta.Timeout)
		e.logger.Error("tool execution timeout",
			zap.String("name", call.Name),
			zap.Duration("timeout", meta.Timeout))
	}

	return result
}

// ToMessage 将工具结果转换为回传给 LLM 的消息。
// 执行错误也作为观察文本返回，由 LLM 决定重试或改口。
func (tr ToolResult) ToMessage() llm.Message {
	msg := llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: tr.ToolCallID,
		Name:       tr.Name,
	}
	if tr.Error != "" {
		msg.Content = fmt.Sprintf("Error: %s", tr.Error)
	} else {
		msg.Content = tr.Output
	}
	return msg
}
