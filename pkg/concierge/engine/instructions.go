// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

// DefaultWorkflowInstructions is published to clients that connect to a
// staged workflow server and repeated in every transition acknowledgement.
// It teaches the model that the tool set is progressive and that it should
// keep going until a terminal stage.
const DefaultWorkflowInstructions = `You are interacting with workflow which is self discoverable. This server unlocks new tools as you progress through the workflow.
You must ensure to call the relevant tools wherever applicable. Do not terminate early, the workflow will indicate when no more stages or tools are available. Do not assume you are done, unless the tools/workflow indicates this.
You are an autonomous agent performing long running tasks on the workflow. Only interrupt to ask the user if a tool requires SPECIFIC input that you dont have or need more clarity about. DO NOT ASSUME ANY DETAIL, pause and ask use when unsure.
Trust the workflow, the workflow is self-describing. Each stage transition reveals new capabilities. Your goal is to reach the terminal stage by executing tools and navigating stages.`

// Guidance appended to transition acknowledgements depending on whether the
// target stage has outgoing transitions.
const (
	terminalStageInstruction = "TERMINAL STAGE REACHED. No further transitions available. " +
		"Execute remaining tools in this stage, then provide your final summary."

	continueStageInstruction = "STAGE TRANSITIONED. New tools are now available. " +
		"Continue executing tools and transitioning until you reach the terminal stage."
)
