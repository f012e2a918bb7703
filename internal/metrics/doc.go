// 版权所有 2026 CostPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
请求编排、模型生成、缓存、预算与兜底等维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，支持注入自定义 Registerer 以便测试隔离。所有指标按
namespace 隔离，支持多维度 label 分组，便于 Grafana 等工具进行
可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 请求指标：编排请求总数与端到端耗时，按 outcome
    （generated/cache_hit/fallback/rejected）分组。
  - 生成指标：模型调用总数、耗时、Token 用量（input/output）、
    调用成本，按 tier/principal 分组。
  - 缓存指标：命中与未命中计数（exact/similar/relaxed）、
    累计节省成本。
  - 预算指标：裁决计数（allow/warn/downgrade/block）、
    各主体预算占用率 Gauge。
  - 降级与兜底指标：兜底决策计数（按 strategy/trigger）、
    当前降级等级 Gauge。
  - 去重与批处理指标：在途合并计数、批次下发计数。
*/
package metrics
