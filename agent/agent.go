package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/wikiflow/llm"
	"github.com/BaSui01/wikiflow/types"
	"go.uber.org/zap"
)

// DefaultSystemPrompt 默认系统提示词：指导 LLM 充当 Confluence 操作助手。
const DefaultSystemPrompt = `You are a Confluence administration assistant. ` +
	`You manage spaces, pages and comments in a Confluence instance through the tools provided. ` +
	`Given a user request, decide which single operation best fulfils it, call the matching tool with ` +
	`the exact arguments the user supplied, and then report the tool's result back to the user in plain language. ` +
	`If a tool reports an error, relay the error message and suggest what the user should correct. ` +
	`Never invent page IDs or space keys that the user did not provide.`

// Config Agent 运行配置
type Config struct {
	Model         string        `json:"model" yaml:"model"`
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	Temperature   float32       `json:"temperature" yaml:"temperature"`
	MaxTokens     int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	SystemPrompt  string        `json:"system_prompt" yaml:"system_prompt"`
}

// Step 一次推理迭代：思考 → 行动 → 观察
type Step struct {
	Iteration    int            `json:"iteration"`
	Thought      string         `json:"thought,omitempty"`
	Actions      []llm.ToolCall `json:"actions,omitempty"`
	Observations []ToolResult   `json:"observations,omitempty"`
	TokensUsed   int            `json:"tokens_used,omitempty"`
}

// Result Agent 运行的完整结果
type Result struct {
	Answer           string `json:"answer"`
	Steps            []Step `json:"steps,omitempty"`
	Iterations       int    `json:"iterations"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
}

// Agent 驱动 "LLM → 工具 → LLM" 的多轮循环，直到 LLM 给出最终答案。
type Agent struct {
	provider llm.Provider
	registry *Registry
	executor *Executor
	cfg      Config
	logger   *zap.Logger
}

// New 创建 Agent。
func New(provider llm.Provider, registry *Registry, executor *Executor, cfg Config, logger *zap.Logger) *Agent {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		provider: provider,
		registry: registry,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "agent")),
	}
}

func (a *Agent) buildRequest(prompt string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: a.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Tools:       a.registry.List(),
	}
}

// Run 同步执行：循环调用 LLM 与工具，返回最终答案和全部步骤。
func (a *Agent) Run(ctx context.Context, prompt string) (*Result, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	req := a.buildRequest(prompt)
	messages := append([]llm.Message{}, req.Messages...)
	result := &Result{}

	for i := 0; i < a.cfg.MaxIterations; i++ {
		a.logger.Debug("agent iteration", zap.Int("iteration", i+1))

		callReq := *req
		callReq.Messages = messages
		resp, err := a.provider.Completion(ctx, &callReq)
		if err != nil {
			return result, err
		}
		if len(resp.Choices) == 0 {
			return result, types.NewError(types.ErrUpstreamError, "no choices in LLM response").
				WithRetryable(true)
		}

		choice := resp.Choices[0]
		step := Step{
			Iteration:  i + 1,
			Thought:    choice.Message.Content,
			TokensUsed: resp.Usage.TotalTokens,
		}
		result.PromptTokens += resp.Usage.PromptTokens
		result.CompletionTokens += resp.Usage.CompletionTokens
		result.TotalTokens += resp.Usage.TotalTokens
		result.Iterations = i + 1

		if len(choice.Message.ToolCalls) == 0 {
			result.Steps = append(result.Steps, step)
			result.Answer = choice.Message.Content
			a.logger.Info("agent completed",
				zap.Int("iterations", i+1),
				zap.Int("total_tokens", result.TotalTokens))
			return result, nil
		}

		step.Actions = choice.Message.ToolCalls
		a.logger.Info("executing tools", zap.Int("count", len(choice.Message.ToolCalls)))
		observations := a.executor.Execute(ctx, choice.Message.ToolCalls)
		step.Observations = observations
		result.Steps = append(result.Steps, step)

		messages = append(messages, choice.Message)
		for _, obs := range observations {
			messages = append(messages, obs.ToMessage())
		}
	}

	a.logger.Warn("agent max iterations reached", zap.Int("max", a.cfg.MaxIterations))
	return result, types.NewError(types.ErrMaxIterations,
		fmt.Sprintf("max iterations reached (%d)", a.cfg.MaxIterations))
}

// StreamEvent 流式运行事件
type StreamEvent struct {
	Type        string         `json:"type"` // iteration | delta | tools_start | tools_end | completed | error
	Iteration   int            `json:"iteration,omitempty"`
	Delta       string         `json:"delta,omitempty"`
	ToolCalls   []ToolCallInfo `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ToolCallInfo 是面向客户端的工具调用视图（参数保持原始 JSON）。
type ToolCallInfo struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RunStream 流式执行：边生成边推送事件。
// 工具调用从流式分片中组装：Gemini 每个分片携带完整的 functionCall，
// 其他 Provider 可能分片传输参数，因此按顺序累积、最后校验 JSON。
func (a *Agent) RunStream(ctx context.Context, prompt string) (<-chan StreamEvent, error) {
	if a.cfg.Timeout > 0 {
		// cancel 由消费完毕的 goroutine 负责
		streamCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		ch, err := a.runStream(streamCtx, prompt, cancel)
		if err != nil {
			cancel()
		}
		return ch, err
	}
	return a.runStream(ctx, prompt, func() {})
}

func (a *Agent) runStream(ctx context.Context, prompt string, cancel context.CancelFunc) (<-chan StreamEvent, error) {
	req := a.buildRequest(prompt)
	eventCh := make(chan StreamEvent)

	go func() {
		defer close(eventCh)
		defer cancel()

		messages := append([]llm.Message{}, req.Messages...)
		result := &Result{}

		for i := 0; i < a.cfg.MaxIterations; i++ {
			select {
			case <-ctx.Done():
				eventCh <- StreamEvent{Type: "error", Error: fmt.Sprintf("context cancelled: %v", ctx.Err())}
				return
			default:
			}

			eventCh <- StreamEvent{Type: "iteration", Iteration: i + 1}
			result.Iterations = i + 1

			callReq := *req
			callReq.Messages = messages
			streamCh, err := a.provider.Stream(ctx, &callReq)
			if err != nil {
				eventCh <- StreamEvent{Type: "error", Error: err.Error()}
				return
			}

			assembled, failed := a.consumeStream(ctx, streamCh, eventCh, result)
			if failed {
				return
			}

			if len(assembled.ToolCalls) == 0 {
				result.Answer = assembled.Content
				eventCh <- StreamEvent{Type: "completed", Iteration: i + 1, Result: result}
				return
			}

			infos := make([]ToolCallInfo, 0, len(assembled.ToolCalls))
			for _, tc := range assembled.ToolCalls {
				infos = append(infos, ToolCallInfo{Name: tc.Name, Arguments: tc.Arguments})
			}
			eventCh <- StreamEvent{Type: "tools_start", Iteration: i + 1, ToolCalls: infos}

			observations := a.executor.Execute(ctx, assembled.ToolCalls)
			eventCh <- StreamEvent{Type: "tools_end", Iteration: i + 1, ToolResults: observations}

			result.Steps = append(result.Steps, Step{
				Iteration:    i + 1,
				Thought:      assembled.Content,
				Actions:      assembled.ToolCalls,
				Observations: observations,
			})

			messages = append(messages, assembled)
			for _, obs := range observations {
				messages = append(messages, obs.ToMessage())
			}
		}

		eventCh <- StreamEvent{Type: "error", Error: fmt.Sprintf("max iterations reached (%d)", a.cfg.MaxIterations)}
	}()

	return eventCh, nil
}

// consumeStream 消费一轮流式响应，组装完整的 assistant 消息。
// 返回 failed=true 时错误事件已发出，调用方直接返回。
func (a *Agent) consumeStream(ctx context.Context, streamCh <-chan llm.StreamChunk, eventCh chan<- StreamEvent, result *Result) (llm.Message, bool) {
	assembled := llm.Message{Role: llm.RoleAssistant}
	var pending []toolCallAccumulator

	for chunk := range streamCh {
		select {
		case <-ctx.Done():
			eventCh <- StreamEvent{Type: "error", Error: fmt.Sprintf("context cancelled: %v", ctx.Err())}
			return assembled, true
		default:
		}

		if chunk.Err != nil {
			eventCh <- StreamEvent{Type: "error", Error: chunk.Err.Error()}
			return assembled, true
		}

		if chunk.Usage != nil {
			result.PromptTokens += chunk.Usage.PromptTokens
			result.CompletionTokens += chunk.Usage.CompletionTokens
			result.TotalTokens += chunk.Usage.TotalTokens
		}

		if chunk.Delta.Content != "" {
			assembled.Content += chunk.Delta.Content
			eventCh <- StreamEvent{Type: "delta", Delta: chunk.Delta.Content}
		}

		for _, tc := range chunk.Delta.ToolCalls {
			pending = accumulateToolCall(pending, tc)
		}
	}

	for idx, acc := range pending {
		call, err := acc.finalize(idx)
		if err != nil {
			eventCh <- StreamEvent{Type: "error", Error: err.Error()}
			return assembled, true
		}
		assembled.ToolCalls = append(assembled.ToolCalls, call)
	}

	return assembled, false
}

// toolCallAccumulator 累积可能分片到达的工具调用参数。
type toolCallAccumulator struct {
	id       string
	name     string
	complete json.RawMessage
	partial  strings.Builder
}

func accumulateToolCall(pending []toolCallAccumulator, tc llm.ToolCall) []toolCallAccumulator {
	// 带 ID 的分片归并到同一个累积器，否则按到达顺序追加
	if tc.ID != "" {
		for i := range pending {
			if pending[i].id == tc.ID {
				pending[i].absorb(tc)
				return pending
			}
		}
	}
	acc := toolCallAccumulator{id: tc.ID}
	acc.absorb(tc)
	return append(pending, acc)
}

func (acc *toolCallAccumulator) absorb(tc llm.ToolCall) {
	if name := strings.TrimSpace(tc.Name); name != "" {
		acc.name = name
	}
	if len(tc.Arguments) == 0 || len(acc.complete) > 0 {
		return
	}
	if json.Valid(tc.Arguments) {
		acc.complete = append(json.RawMessage(nil), tc.Arguments...)
		return
	}
	acc.partial.Write(tc.Arguments)
}

func (acc *toolCallAccumulator) finalize(idx int) (llm.ToolCall, error) {
	id := acc.id
	if id == "" {
		id = fmt.Sprintf("call_%d", idx+1)
	}
	args := acc.complete
	if len(args) == 0 {
		raw := strings.TrimSpace(acc.partial.String())
		if raw != "" {
			if !json.Valid([]byte(raw)) {
				return llm.ToolCall{}, fmt.Errorf("invalid tool call arguments (tool=%s): %s", acc.name, raw)
			}
			args = json.RawMessage(raw)
		}
	}
	return llm.ToolCall{ID: id, Name: acc.name, Arguments: args}, nil
}
