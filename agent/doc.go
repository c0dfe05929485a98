// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent defines the workers that execute quote-request steps.

# Overview

An [Agent] owns a set of [Capability] values and executes queue tasks
(persistence.Task) whose type matches one of them. The orchestrator delegates
each workflow step to an agent through the handoff manager; the accepting
agent then runs the task from the task queue.

# Agent kinds

	┌──────────────────────────────────────────────────────────┐
	│                     Agent Interface                      │
	│             (ID, Capabilities, Execute)                  │
	├──────────────────┬──────────────────┬────────────────────┤
	│    FuncAgent     │    ToolAgent     │ ConversationAgent  │
	│  plain function  │  one tool via    │ streaming loop     │
	│  + review hook   │  retry executor  │ + bus progress     │
	└──────────────────┴──────────────────┴────────────────────┘

[FuncAgent] wraps a function and may install a handoff review hook.
[ToolAgent] forwards the task payload to a single tool through a [ToolCaller]
such as tools.RetryingExecutor. [ConversationAgent] runs a [LoopRunner]
(tools.ConversationLoop) and republishes text, tool and retry events on the
message bus under the task's instance id.

# Handoff review

Agents that implement [HandoffReviewer] decide whether to accept a proposed
handoff. Agents without it accept automatically.

# Registry

[Registry] is created at startup and passed explicitly to the handoff manager
and orchestrator. Lookups are safe for concurrent use. Close releases agents
that hold resources and rejects later registrations with [ErrRegistryClosed].

	reg := agent.NewRegistry(logger)
	_ = reg.Register(agent.NewFuncAgent("courier", deliver, "deliver"))
	candidates := reg.FindByCapability("deliver")
*/
package agent
