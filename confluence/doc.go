// Copyright (c) WikiFlow Authors.
// Licensed under the MIT License.

/*
Package confluence 封装 Confluence Cloud REST API 客户端与 Agent 工具集。

# 概述

Client 以 Basic Auth（用户名 + API Token）访问 Confluence Cloud 的
/wiki/rest/api 接口，统一处理请求编码、HTTP 状态到 types.Error 的映射、
以及对 429/5xx 的指数退避重试。RegisterTools 将页面与空间操作注册为
Agent 可调用的工具。

# 核心类型

  - Client — REST 客户端：CreateSpace / CreatePage / GetPage / UpdatePage /
    DeletePage / AddComment / SearchCQL / ListSpaces / ListPages / HealthCheck
  - Space / Page / SearchResult — API 实体，带面向用户的 Web URL

# 主要能力

  - 未配置容忍：BaseURL/Username/APIToken 任一缺失时 Configured() 为 false，
    所有操作返回 ErrNotConfigured，服务整体仍可启动
  - CQL 构造：BuildPageSearchCQL 对用户输入做 QuoteCQL 转义后拼装
    type=page 的 text 搜索查询
  - 错误映射：401/403/404/409/413/429/5xx 映射为对应 ErrorCode，
    并按 Retryable 标记交由 retry 层处理
*/
package confluence
