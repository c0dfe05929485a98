// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 管理智能体之间的任务交接与任务归属。

# 概述

一个 Agent 通过 Propose 把自己持有的任务提议交给另一个 Agent，
接收方通过 Accept 接受或由任意一方 Reject 拒绝。只有被接受的交接
才会改变任务归属，Owner 始终返回当前持有者。

# 状态

交接请求的状态为：

	proposed -> accepted | rejected | timed_out

离开 proposed 之后请求即为已解决，再次 Accept/Reject 返回
*AlreadyResolvedError。

# 超时看门狗

Start 启动后台定时器，超过 Config.Timeout 仍未解决的提议会被置为
timed_out（每个提议仅一次），并在总线上发布 handoff.timed_out，
事件中包含发起方。Sweep 执行单次扫描，便于测试注入时间。

# 与其他包协同

  - agent.Registry 校验参与方是否存在（*UnknownAgentError）
  - agent.HandoffReviewer 供 Review 询问接收方是否接受
  - agent/bus 发布 handoff.proposed/accepted/rejected/timed_out
*/
package handoff
