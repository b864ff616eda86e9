// Package llm defines the chat model boundary used by the agent: ordered
// messages, declared tool schemas, and replies that carry either content or
// tool call requests. Provider adapters live in sub-packages.
package llm
