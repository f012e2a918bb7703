// 版权所有 2026 CostPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 orchestrator 是请求的唯一编排入口，把预算守卫、响应缓存、
在途合并、档位路由、检索与降级选择器串成一条固定管线。

# 概述

所有触达计费上游的路径都从 Orchestrator.Handle 经过：缓存与在途
合并先行，预算裁决在任何生成调用之前完成，失败与阻断统一交给
降级选择器。调用方拿到的要么是结果（可能带降级标记），要么是
明确的客户端错误，没有静默失败。

# 核心类型

  - Request / Result：编排边界的请求与结果。
  - Orchestrator：编排器本体，依赖通过 Deps 注入。
  - Worker：延迟队列回放器，降级回落且预算缓解后把被延迟的
    请求重新走完整管线。

# 处理流程

 1. 校验主体与查询，补全 RequestID。
 2. 归一化指纹 + 嵌入，查响应缓存（精确快路径 + 相似回退）。
 3. 未命中则按指纹做在途合并，同指纹并发只放一个领跑者上行。
 4. 领跑者经预算裁决（预留在途花费）、档位路由、persona 分区
    检索后发起生成；经济档可走合批通道。
 5. 成功后记账、兑现预留、回填缓存；失败释放预留并进入降级
    选择器。

# 错误语义

客户端错误（参数非法、未注册主体、内容安全拦截）原样上浮；
其余错误一律转化为降级结果，降级钩子的再生成同样受预算裁决
约束，不存在绕过守卫的路径。
*/
package orchestrator
