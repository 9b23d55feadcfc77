// Copyright (c) WikiFlow Authors.
// Licensed under the MIT License.

/*
Package agent 实现基于工具调用的 LLM Agent 执行循环。

# 概述

Agent 将一条自然语言 prompt 送入 llm.Provider，由模型在注册的工具集中
选择并发起调用；工具结果以 observation 形式回填对话，循环直至模型给出
最终回答或达到迭代上限。循环的每一步都记录为 Step，供调用历史与调试
使用。

# 核心类型

  - Agent    — 执行循环本体，Run 返回完整 Result，RunStream 以事件流返回
  - Registry — 工具注册表，维护工具元数据、JSON Schema 与每工具限流器
  - Executor — 工具执行器，支持并发执行多个 ToolCall 并保持结果顺序
  - Result   — 一次调用的最终答案、步骤列表与 token 用量
  - Step     — 单次迭代记录（Thought、Actions、Observations、TokensUsed）

# 主要能力

  - 迭代控制：MaxIterations 上限、单次调用 Timeout、system prompt 注入
  - 流式输出：RunStream 发出 iteration / delta / tools_start / tools_end /
    completed / error 事件，增量拼装工具调用参数
  - 工具限流：Registry 对每个工具挂接 x/time/rate 限流器
  - 结果钩子：Executor.OnResult 在每次工具执行后回调（用于指标采集）
*/
package agent
