package protocol

import (
	"encoding/json"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// knownAnthropicRequestFields are the fields anthropicwire.Request already
// models explicitly; anything else found in the raw body is either an
// allow-listed pass-through field or gets logged and dropped.
var knownAnthropicRequestFields = map[string]bool{
	"model": true, "system": true, "messages": true, "tools": true,
	"tool_choice": true, "max_tokens": true, "temperature": true, "top_p": true,
	"stop_sequences": true, "stream": true, "thinking": true, "metadata": true,
}

// maxAutoBumpTokens caps how much headroom the max_tokens auto-bump adds
// above budget_tokens.
const maxAutoBumpTokens = 16384

// ApplyMaxTokensBump raises MaxTokens when a thinking budget is set and
// that budget would otherwise exceed or equal it, per §4.F direct
// pass-through rules.
func ApplyMaxTokensBump(req *anthropicwire.Request) {
	if req.Thinking == nil || req.Thinking.BudgetTokens <= 0 {
		return
	}
	budget := req.Thinking.BudgetTokens
	if req.MaxTokens > budget {
		return
	}
	bump := budget
	if bump > maxAutoBumpTokens {
		bump = maxAutoBumpTokens
	}
	req.MaxTokens = budget + bump
}

// LogDisallowedFields inspects the raw request body and logs any top-level
// field that is neither modeled by anthropicwire.Request nor present in
// allowedNativeFields, so silently-dropped client fields stay visible.
func LogDisallowedFields(raw json.RawMessage, allowedNativeFields []string) {
	if len(raw) == 0 {
		return
	}
	allowed := make(map[string]bool, len(allowedNativeFields))
	for _, f := range allowedNativeFields {
		allowed[f] = true
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return
	}
	for field := range generic {
		if knownAnthropicRequestFields[field] || allowed[field] {
			continue
		}
		L_warn("protocol: dropping unrecognized native field", "field", field)
	}
}

// serverToolRewrites maps a server-side Anthropic tool name to the canned
// custom-tool definition substituted when native-tool rewriting is enabled.
var serverToolRewrites = map[string]anthropicwire.Tool{
	"web_search": {
		Name:        "web_search",
		Description: "Search the web for information relevant to the query.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
	"web_fetch": {
		Name:        "web_fetch",
		Description: "Fetch the contents of a URL.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
	},
	"code_execution": {
		Name:        "code_execution",
		Description: "Execute a snippet of code and return its output.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`),
	},
	"computer": {
		Name:        "computer",
		Description: "Control a virtual computer desktop via screenshots and input actions.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"action":{"type":"string"}},"required":["action"]}`),
	},
}

// RewriteServerTools replaces any recognized server-side tool definition in
// req.Tools with its canned custom-tool equivalent, when enabled by
// config. Tools not in the rewrite table pass through unchanged.
func RewriteServerTools(req *anthropicwire.Request) {
	for i, t := range req.Tools {
		if rewrite, ok := serverToolRewrites[t.Name]; ok {
			req.Tools[i] = rewrite
		}
	}
}
