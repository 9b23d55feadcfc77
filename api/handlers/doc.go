// Copyright (c) WikiFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 WikiFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 WikiFlow 所有 HTTP 端点的请求处理逻辑，
包括自然语言调用、Confluence 上下文文档、调用历史、健康检查
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - InvokeHandler    — 自然语言调用处理器，支持同步与 SSE 流式响应
  - ContextHandler   — Confluence 空间/页面的只读 JSON 视图（可选 Redis 缓存）
  - HistoryHandler   — 调用历史查询（未配置数据库时返回 503）
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Confluence、Redis、数据库等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE 流式输出：InvokeHandler.HandleInvokeStream 支持 text/event-stream
  - Token 预算：超出 max_prompt_tokens 的 prompt 直接拒绝
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
