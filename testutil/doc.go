// Copyright 2026 CostPilot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 CostPilot 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue，支持超时轮询等待条件满足
  - 等待辅助: WaitFor / WaitForChannel，用于并发与通道相关的测试
  - 数据工具: MustJSON / MustParseJSON，简化测试数据构造

# 使用示例

	func TestSomething(t *testing.T) {
		ctx := testutil.TestContext(t)
		res, ok := testutil.WaitForChannel(resultCh, time.Second)
		require.True(t, ok)
		_ = ctx
	}
*/
package testutil
