// Package config 提供 CostPilot 的配置管理功能。
//
// 统一加载服务器、日志、存储与各编排组件的配置，
// 优先级为默认值 → YAML 文件 → 环境变量（COSTPILOT_ 前缀）。
// 组件级配置直接复用各包的 Config 类型，保证配置文件与
// 组件行为一一对应。
package config
