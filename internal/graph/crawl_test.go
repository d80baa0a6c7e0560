package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/kb"
)

func TestExpandAll(t *testing.T) {
	f := newMockFetcher()
	f.add("KB2", "Two", "KB4")
	f.add("KB4", "Four", "KB1")
	// KB3 is missing and fails as not found.
	m := newTestModel(t, f, Options{})
	m.SeedRoot("KB1", "One", body("KB2", "KB3"))

	var mu sync.Mutex
	var seen []string
	report, err := m.ExpandAll(context.Background(), CrawlOptions{
		Workers: 2,
		OnExpand: func(id string, _ Expansion) {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("ExpandAll() error: %v", err)
	}
	if report.Expanded != 2 || report.Failed != 1 || report.NewNodes != 1 || report.Levels != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(seen) != 2 {
		t.Errorf("OnExpand called for %v", seen)
	}
	for _, n := range m.Nodes() {
		if !n.Expanded {
			t.Errorf("%s left unexpanded", n.ID)
		}
	}
	if n, _ := m.Node("KB3"); n.Status != kb.StatusBroken {
		t.Errorf("KB3 status = %v, want broken", n.Status)
	}
}

func TestExpandAllMaxDepth(t *testing.T) {
	f := newMockFetcher()
	f.add("KB2", "Two", "KB4")
	f.add("KB4", "Four", "KB5")
	m := newTestModel(t, f, Options{})
	m.SeedRoot("KB1", "One", body("KB2"))

	report, err := m.ExpandAll(context.Background(), CrawlOptions{MaxDepth: 2})
	if err != nil {
		t.Fatal(err)
	}
	if report.Expanded != 1 {
		t.Errorf("Expanded = %d, want 1", report.Expanded)
	}
	if n, _ := m.Node("KB4"); n.Expanded {
		t.Error("KB4 at depth 2 was expanded")
	}
	if f.count("KB4") != 0 {
		t.Error("KB4 was fetched")
	}
}

func TestExpandAllStopsAtCapacity(t *testing.T) {
	f := newMockFetcher()
	m := newTestModel(t, f, Options{MaxNodes: 3})
	m.SeedRoot("KB1", "One", body("KB2", "KB3"))

	report, err := m.ExpandAll(context.Background(), CrawlOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.CapacityReached || report.Expanded != 0 {
		t.Errorf("report = %+v", report)
	}
	if f.count("KB2") != 0 || f.count("KB3") != 0 {
		t.Error("articles fetched on a full graph")
	}
}

func TestExpandAllStopsOnAuthFailure(t *testing.T) {
	f := newMockFetcher()
	f.fail("KB2", article.KindUnauthorized)
	m := newTestModel(t, f, Options{})
	m.SeedRoot("KB1", "One", body("KB2"))

	report, err := m.ExpandAll(context.Background(), CrawlOptions{})
	if !article.IsAuth(err) {
		t.Fatalf("ExpandAll() error = %v, want an auth failure", err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
}

func TestExpandAllCancelled(t *testing.T) {
	m := newTestModel(t, nil, Options{})
	m.SeedRoot("KB1", "One", body("KB2"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.ExpandAll(ctx, CrawlOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestFetchTitlesForUnexpanded(t *testing.T) {
	f := newMockFetcher()
	f.add("KB2", "Two")
	f.fail("KB4", article.KindTransient)
	f.fail("KB5", article.KindUnauthorized)
	// KB3 does not exist.
	m := newTestModel(t, f, Options{})
	m.SeedRoot("KB1", "One", body("KB2", "KB3", "KB4", "KB5"))

	changed, err := m.FetchTitlesForUnexpanded(context.Background())
	if !article.IsAuth(err) {
		t.Errorf("error = %v, want the KB5 auth failure", err)
	}
	want := []string{"KB2", "KB3", "KB5"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Errorf("changed[%d] = %s, want %s", i, changed[i], want[i])
		}
	}

	n, _ := m.Node("KB2")
	if n.Label != "Two" || !n.TitleResolved || n.Expanded {
		t.Errorf("KB2 = %+v", n)
	}
	if n, _ := m.Node("KB4"); n.TitleResolved || n.Status != kb.StatusUnknown {
		t.Errorf("KB4 = %+v, a transient failure must leave it unresolved", n)
	}
	if got := m.Unresolved(); len(got) != 1 || got[0] != "KB4" {
		t.Errorf("Unresolved() = %v, want [KB4]", got)
	}

	// A second pass reuses cached results.
	changed, _ = m.FetchTitlesForUnexpanded(context.Background())
	if len(changed) != 0 {
		t.Errorf("second pass changed %v", changed)
	}
	if f.count("KB2") != 1 || f.count("KB4") != 1 {
		t.Errorf("fetch counts KB2=%d KB4=%d, want 1 each", f.count("KB2"), f.count("KB4"))
	}
}
