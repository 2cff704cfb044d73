package workflow

// Prompt templates for the stage processors. Kept terse: the stage
// models are small and instruction-following degrades with length.

const routerPrompt = `Classify the user message into one of three modes.
- "chat": smalltalk, questions answerable from knowledge, no actions on the machine.
- "task": anything that needs tools: files, shell, browser, applications.
- "dev": the user asks the assistant to analyze or fix the assistant itself.
Reply as JSON: {"mode": "chat|task|dev", "confidence": 0.0-1.0, "requires_privilege": bool}.`

const plannerPrompt = `Break the user request into a minimal ordered TODO list.
Each item: {"id": "1", "action": "<imperative instruction>", "success_criteria": "<observable check>", "dependencies": ["<earlier id>", ...]}.
Rules:
- ids are dotted integer paths ("1", "2", "2.1") assigned in order;
- dependencies may only reference items that appear earlier in the array;
- prefer few items; one item per externally observable effect.
Reply as JSON: {"items": [...]}.`

const devPlannerPrompt = `You are analyzing the orchestrator itself.
Logs are under %s, configuration under %s. Break the request into a TODO
list whose items read those files with the available tools and draw
conclusions. Same output format:
{"items": [{"id", "action", "success_criteria", "dependencies"}]}.`

const selectionPrompt = `Pick the capability providers for one TODO item.
Available providers:
%s
Choose at most two whose tools can perform the action. Reply as JSON:
{"providers": ["<name>", ...]}.`

const toolPlanPrompt = `Plan the exact tool calls for one TODO item.
Available tools:
%s
Recent calls (outcome, tool):
%s
Emit JSON: {"tool_calls": [{"tool": "<provider__action>", "parameters": {...}, "reasoning": "<short>"}], "reasoning": "<short>"}.
Use only listed tools. Parameters must satisfy each tool's schema.`

const verifyRoutePrompt = `Decide how to verify a completed TODO item: "data" (inspect
the textual results) or "visual" (a screenshot is needed to judge success).
Reply as JSON: {"mode": "data|visual", "confidence": 0.0-1.0}.`

const verifyPrompt = `Judge whether the execution results satisfy the success criteria.
Reply as JSON: {"verified": bool, "confidence": 0-100, "reasoning": "<short>", "evidence": "<quote from results>"}.`

const adjustPrompt = `A TODO item failed verification once. Propose the smallest edit
that could make it pass: change its action, change its success_criteria, or
insert one to three child items after it. Reply as JSON:
{"action": "<new or empty>", "success_criteria": "<new or empty>",
 "insert_children": [{"action", "success_criteria"}]}.`

const replanPrompt = `A TODO item failed repeatedly. Rewrite it as a fresh set of child
items that together achieve the original intent. Reply as JSON:
{"children": [{"action": "<instruction>", "success_criteria": "<check>"}]}.`

const summaryPrompt = `Summarize the finished workflow for the user, in the user's
language, in at most four sentences. Mention what was done, what was skipped
or failed, and anything the user should do next. Plain text, no JSON.`
