package content

// Usage carries token accounting for one service response. All fields are
// non-negative.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// StopReason is the closed enum the service reports for why generation
// stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
)
