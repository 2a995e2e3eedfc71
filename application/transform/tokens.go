package transform

import "github.com/lioneltay/claude-pilot/domain/messages"

// TokenCounter accumulates text incrementally and estimates its token
// count: four ASCII characters or one non-ASCII rune per token.
type TokenCounter struct {
	ascii int
	other int
}

func (c *TokenCounter) Add(text string) {
	for _, r := range text {
		if r < 128 {
			c.ascii++
		} else {
			c.other++
		}
	}
}

func (c *TokenCounter) Tokens() int {
	if c.ascii == 0 && c.other == 0 {
		return 0
	}
	return (c.ascii+3)/4 + c.other
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	var c TokenCounter
	c.Add(text)
	return c.Tokens()
}

// EstimateRequestTokens approximates the prompt size of an inbound request.
func EstimateRequestTokens(req *messages.Request) int {
	total := EstimateTokens(string(req.System))
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			switch b := block.(type) {
			case messages.TextBlock:
				total += EstimateTokens(b.Text)
			case messages.ToolUseBlock:
				total += EstimateTokens(b.Name) + EstimateTokens(string(b.Input))
			case messages.ToolResultBlock:
				total += EstimateTokens(stringifyToolResult(b.Content))
			case messages.ImageBlock:
				// flat cost; image size is not known here
				total += 1000
			case messages.UnknownBlock:
				total += EstimateTokens(string(b.Raw))
			}
		}
	}
	for _, tool := range req.Tools {
		total += EstimateTokens(tool.Name) + EstimateTokens(tool.Description) + EstimateTokens(string(tool.InputSchema))
	}
	return total
}
