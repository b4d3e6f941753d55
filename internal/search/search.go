// Package search provides full-text search over the knowledge base, with
// Meilisearch as the primary engine and PostgreSQL FTS as a fallback.
package search

// Result is a single knowledge base hit returned to the caller.
type Result struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Snippet    string   `json:"snippet"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	Industry   string   `json:"industry,omitempty"`
	CreatedBy  string   `json:"-"`
	UsageCount int      `json:"usageCount"`
}

// Query describes a knowledge search request. Only approved entries are
// ever returned, regardless of who asks.
type Query struct {
	Text     string
	Category string // empty = all categories
	Industry string // empty = all industries
	Limit    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push knowledge entries into a search index.
type Indexer interface {
	IndexKnowledge(rec KnowledgeRecord) error
	DeleteKnowledge(id string) error
}

// KnowledgeRecord is the data we index for a knowledge base entry.
type KnowledgeRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	Industry   string   `json:"industry"`
	CreatedBy  string   `json:"createdBy"`
	UsageCount int      `json:"usageCount"`
	IsApproved bool     `json:"isApproved"`
}
