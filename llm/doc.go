// Package llm provides the language-model backend client.
//
// The client speaks the OpenAI-compatible wire protocol: streamed chat
// completions with tool calling for conversation, plain completions
// for one-shot prompts such as thread titling, and the embeddings
// endpoint for memory vectors. A single API key authenticates all
// three.
//
// The package returns plain errors; callers classify them (upstream,
// validation) at the service boundary.
package llm
