// Copyright (c) WikiFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 WikiFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、confluence、
api 等上层模块提供统一的错误契约与 Context 传播约定。所有跨包共享的
错误码与请求级元数据均定义于此，以避免循环依赖。

# 核心类型

  - Error     — 结构化错误体（Code、Message、HTTPStatus、Retryable、Provider、Cause）
  - ErrorCode — 稳定的机器可读错误码（ErrInvalidRequest、ErrRateLimited、
    ErrNotConfigured、ErrUpstreamError 等）

# 主要能力

  - 错误构造链：NewError + WithCause / WithHTTPStatus / WithRetryable / WithProvider
  - 错误检查：IsRetryable / GetErrorCode / AsError（基于 errors.As，支持包装链）
  - Context 传播：WithTraceID / WithUserID / WithRoles 及对应读取函数
*/
package types
