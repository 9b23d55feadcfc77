// Copyright (c) WikiFlow Authors.
// Licensed under the MIT License.

/*
Package llm 提供统一的大语言模型接入层。

# 概述

本包屏蔽模型服务商在接口、鉴权、错误语义和流式协议上的差异，
对上层业务暴露一致的请求与响应模型。

# 核心接口与类型

  - [Provider]：LLM 提供者接口，提供 Completion / Stream / HealthCheck /
    Name / SupportsNativeFunctionCalling
  - [ChatRequest] / [ChatResponse]：聊天请求与响应
  - [Message] / [ToolCall] / [ToolSchema]：对话消息与工具调用
  - [StreamChunk]：流式输出分片
  - [HealthStatus]：健康检查状态

# 相关子包

- llm/retry：重试与退避策略。
- llm/tokenizer：Token 计数与估算。
- providers/gemini：Google Gemini 适配实现。
*/
package llm
