// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 orchestrator 把工作流状态机、交接、任务队列与消息总线串成
报价请求的执行管线。

# 流程

每进入一个非终止状态，Orchestrator 按 QuotePipeline 找到对应 Step：

 1. 委派者（默认 "orchestrator"）通过 HandoffManager 把任务提议给
    Step.AgentID；开启 AutoReview 时由接收方立即审阅
 2. handoff.accepted 后任务以 Step.Priority 入队，任务 ID 为
    <instance>:<version>，重复入队被去重
 3. WorkerPool 领取任务，由持有任务的 Agent 执行
 4. task.completed 时根据结果中的 next_state（或默认后继）推进状态机

交接被拒绝或超时、任务进入死信、结果给出非法后继时，实例转为
FAILED，错误原因写入该次转换的 metadata["error"]。

# 恢复

Start 会调用 Resume：对每个未终止的实例，若当前步骤没有存活的任务则
重新发起；已成功或已死信的任务会补发对应的推进。

# 并发

状态转换遇到 *workflow.ConcurrentModificationError 时按 Config.TransitionRetries
有限重试；过期步骤（实例已离开该状态或版本已变化）的任务直接跳过。
*/
package orchestrator
