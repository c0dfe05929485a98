// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 taskqueue 提供带租约、优先级与死信的持久化后台任务队列。

# 概述

Queue 构建在 persistence.TaskStore 之上（内存或 Redis）。任务按优先级
从高到低、同优先级先进先出的顺序被领取；领取会为 worker 建立租约，
租约过期且未续约的任务重新可见，原 worker 之后的 Complete/Fail
会被 ErrLeaseLost 拒绝。

# 失败与重试

Fail 在未达到 MaxAttempts 时按 BaseBackoff * 2^(attempts-1)（上限
MaxBackoff，默认 5 分钟）延迟重新入队；达到上限后任务进入 dead 状态，
在总线上发布 task.dead 与 alert.task_dead，并返回 *QueueExhaustedError。
Permanent 包装的错误会立即进入死信。

# WorkerPool

WorkerPool 运行 N 个并发消费者：领取、执行 Handler、上报结果，
执行期间按 HeartbeatInterval 续约。执行语义为至少一次，
Handler 需按任务 ID 去重。
*/
package taskqueue
