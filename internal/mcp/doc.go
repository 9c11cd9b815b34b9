// Package mcp serves the agent tool surface over the Model Context
// Protocol (github.com/modelcontextprotocol/go-sdk/mcp).
//
// A server is bound to one (provider, model) key. The read tools are
// read_working_guidelines, read_iteration_history, count_guideline_tokens
// and the eval tools get_eval_summary, get_failed_eval_details,
// get_run_log_error and group_failures_by_pattern. Only propose_guidelines
// writes, and it can only store a proposal that the orchestrator consumes
// after incorporation.
package mcp
