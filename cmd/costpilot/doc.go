// 版权所有 2026 CostPilot Authors
// 基于 MIT 许可证发布。

/*
Package main 提供 CostPilot 服务端程序入口。

# 概述

cmd/costpilot 是成本治理应答服务的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志
（zap）、Prometheus 指标采集以及优雅关闭。

# 核心类型

  - Server           — 主服务器，管理组件装配、HTTP/Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    CORS、RateLimiter（基于 IP）
  - 账本存储：sqlite（gorm）或内存，按配置切换
  - 检索语料：启动时从 YAML 文件装载并嵌入
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止回放 → 停止组件 → 关闭存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
