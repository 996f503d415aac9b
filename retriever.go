package praxis

import "context"

// KnowledgeHit is one retrieved knowledge fragment. Score is
// backend-specific; higher means more relevant.
type KnowledgeHit struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

// Retriever fetches knowledge fragments for a query. The core ships the
// interface and the retrieve_knowledge tool wrapper; backends (keyword
// search, vector stores, external services) are injected by the host.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]KnowledgeHit, error)
}
