// Package chat calls the hosted OpenAI-compatible chat completion endpoint.
package chat

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a completion prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
