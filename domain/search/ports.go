package search

import "context"

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Result is everything the gateway needs from a web search
type Result struct {
	SummaryText string   `json:"summaryText"`
	Sources     []Source `json:"sources"`
}

// Helper runs a web search for a query on behalf of dedicated tool-execution requests
type Helper interface {
	Search(ctx context.Context, query string) (*Result, error)
}
