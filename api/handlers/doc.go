// 版权所有 2026 CostPilot Authors
// 基于 MIT 许可证发布。

/*
Package handlers 提供 CostPilot HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 CostPilot 所有 HTTP 端点的请求处理逻辑，
包括应答生成、预算/降级管理视图、健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - RespondHandler   — 应答生成处理器，入口为 POST /v1/respond
  - AdminHandler     — 预算快照、用量聚合、降级状态与手动覆盖
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 错误映射

领域错误通过 WriteDomainError 统一转换：请求非法 400、主体未登记 403、
内容安全拦截 422、上游限流 429、上游超时 504、上游不可用 503。
*/
package handlers
