package search

import (
	"strings"
	"testing"
)

func TestMeiliFiltersAlwaysRequireApproval(t *testing.T) {
	queries := []Query{
		{Text: "onboarding"},
		{Text: "onboarding", Category: "case_study"},
		{Text: "onboarding", Industry: "fintech"},
		{Text: "onboarding", Category: "pricing_model", Industry: "retail"},
		{},
	}
	for _, q := range queries {
		filters := meiliFilters(q)
		if len(filters) == 0 || filters[0] != "isApproved = true" {
			t.Errorf("query %+v: filters %v missing approval predicate", q, filters)
		}
	}
}

func TestMeiliFiltersIncludeRefinements(t *testing.T) {
	filters := meiliFilters(Query{Text: "x", Category: "case_study", Industry: "fintech"})
	if len(filters) != 3 {
		t.Fatalf("expected 3 filters, got %v", filters)
	}
	if filters[1] != `category = "case_study"` {
		t.Errorf("unexpected category filter %q", filters[1])
	}
	if filters[2] != `industry = "fintech"` {
		t.Errorf("unexpected industry filter %q", filters[2])
	}
}

func TestPgftsWhereAlwaysRequiresApproval(t *testing.T) {
	queries := []Query{
		{Text: "onboarding"},
		{Text: "onboarding", Category: "team_bio"},
		{Text: "onboarding", Industry: "energy"},
		{Text: "onboarding", Category: "technical_spec", Industry: "energy"},
	}
	for _, q := range queries {
		where, args := pgftsWhere(q)
		if !strings.HasPrefix(where, "k.is_approved AND ") {
			t.Errorf("query %+v: clause %q does not lead with approval", q, where)
		}
		if len(args) == 0 || args[0] != q.Text {
			t.Errorf("query %+v: $1 must be the query text, got %v", q, args)
		}
	}
}

func TestPgftsWherePlaceholdersMatchArgs(t *testing.T) {
	where, args := pgftsWhere(Query{Text: "x", Category: "case_study", Industry: "retail"})
	if want := "k.is_approved AND k.fts @@ plainto_tsquery('english', $1) AND k.category = $2 AND k.industry = $3"; where != want {
		t.Errorf("clause mismatch:\n got %q\nwant %q", where, want)
	}
	if len(args) != 3 || args[1] != "case_study" || args[2] != "retail" {
		t.Errorf("unexpected args %v", args)
	}
}
