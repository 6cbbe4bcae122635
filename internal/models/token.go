package models

// TokenBalance is the server-authoritative AI token account. The
// client holds only a best-effort cached copy, overwritten (never
// decremented locally) by status, completion, and error events.
type TokenBalance struct {
	CurrentTokens  int `json:"currentTokens"`
	CostPerMessage int `json:"costPerMessage"`
}

// ChatTurn is one entry of an AI conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used in ChatTurn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
