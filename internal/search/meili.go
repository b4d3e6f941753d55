package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxKnowledge = "dealdesk_knowledge"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the knowledge index.
// The caller should proceed without it if the instance never comes up; the
// health loop will pick it up when it does.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxKnowledge,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxKnowledge, err)
	}

	index := m.client.Index(idxKnowledge)
	filterable := []interface{}{"category", "industry", "isApproved"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxKnowledge, err)
	}
	// Match on content only so both backends rank the same text.
	searchable := []string{"content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxKnowledge, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the knowledge index. Unapproved entries are filtered out
// at the engine, not post-hoc.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 || limit > 20 {
		limit = 20
	}

	resp, err := m.client.Index(idxKnowledge).Search(q.Text, &meili.SearchRequest{
		Limit:                 limit,
		Filter:                meiliFilters(q),
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// meiliFilters builds the engine-side filter expressions for a query.
// The approval predicate is unconditional; category and industry are
// optional refinements on top of it.
func meiliFilters(q Query) []string {
	filters := []string{"isApproved = true"}
	if q.Category != "" {
		filters = append(filters, fmt.Sprintf("category = %q", q.Category))
	}
	if q.Industry != "" {
		filters = append(filters, fmt.Sprintf("industry = %q", q.Industry))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:        decodeString(hit, "id"),
		Category:  decodeString(hit, "category"),
		Industry:  decodeString(hit, "industry"),
		CreatedBy: decodeString(hit, "createdBy"),
	}
	r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
	if raw, ok := hit["tags"]; ok {
		_ = json.Unmarshal(raw, &r.Tags)
	}
	if raw, ok := hit["usageCount"]; ok {
		_ = json.Unmarshal(raw, &r.UsageCount)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexKnowledge adds or updates a knowledge entry in the search index.
// Entries are indexed regardless of approval so an approve flips the
// filterable attribute instead of re-pushing the whole record.
func (m *Meili) IndexKnowledge(rec KnowledgeRecord) error {
	_, err := m.client.Index(idxKnowledge).AddDocuments([]KnowledgeRecord{rec}, nil)
	return err
}

// DeleteKnowledge removes a knowledge entry from the search index.
func (m *Meili) DeleteKnowledge(id string) error {
	_, err := m.client.Index(idxKnowledge).DeleteDocument(id, nil)
	return err
}

// IndexKnowledgeBatch bulk-indexes knowledge entries.
func (m *Meili) IndexKnowledgeBatch(records []KnowledgeRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxKnowledge).AddDocuments(records, nil)
	return err
}
