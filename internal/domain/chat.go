package domain

// ChatMessage is the provider-agnostic message shape sent to the upstream
// answering model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one call to the upstream answering model. APIKey, when
// set, replaces the server-side key. User identifies the end user to the
// provider.
type CompletionRequest struct {
	Model    string
	Messages []ChatMessage
	APIKey   string
	User     string
}

// PromptMessages converts an ordered feed into upstream chat messages, ending
// with the new prompt. Turns keep their stored role.
func PromptMessages(system string, history []Turn, prompt string) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: system})
	}
	for _, t := range history {
		if t.Text == "" {
			continue
		}
		msgs = append(msgs, ChatMessage{Role: string(t.Role), Content: t.Text})
	}
	return append(msgs, ChatMessage{Role: string(RoleUser), Content: prompt})
}
