package memkb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

func ids(docs []triage.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSearch(t *testing.T) {
	t.Parallel()

	kb := Default()
	ctx := context.Background()

	tests := []struct {
		name string
		q    triage.SearchQuery
		want []string
	}{
		{
			name: "scoped ranks by overlap",
			q:    triage.SearchQuery{Text: "restore a database backup", Department: "IT", Team: "DBA", TopK: 5},
			want: []string{"kb-892", "kb-887"},
		},
		{
			name: "scoped returns whole scope without term match",
			q:    triage.SearchQuery{Text: "printer jam", Department: "HR", Team: "Onboarding", TopK: 5},
			want: []string{"hr-101"},
		},
		{
			name: "scope is case insensitive",
			q:    triage.SearchQuery{Text: "onboarding", Department: "hr", Team: "onboarding"},
			want: []string{"hr-101"},
		},
		{
			name: "department only",
			q:    triage.SearchQuery{Text: "payroll", Department: "HR"},
			want: []string{"hr-205", "hr-101"},
		},
		{
			name: "unscoped requires a term match",
			q:    triage.SearchQuery{Text: "invoice dispute"},
			want: []string{"fin-042"},
		},
		{
			name: "unscoped no match",
			q:    triage.SearchQuery{Text: "quantum teleporter"},
			want: []string{},
		},
		{
			name: "unknown scope",
			q:    triage.SearchQuery{Text: "database", Department: "Marketing"},
			want: []string{},
		},
		{
			name: "topK truncates",
			q:    triage.SearchQuery{Text: "database", Department: "IT", TopK: 1},
			want: []string{"kb-887"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			docs, err := kb.Search(ctx, tt.q)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if got := ids(docs); !equal(got, tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSearch_ScoreIsFraction(t *testing.T) {
	t.Parallel()

	kb, err := New([]Article{{ID: "a", Title: "alpha beta", Department: "IT"}})
	if err != nil {
		t.Fatal(err)
	}
	docs, _ := kb.Search(context.Background(), triage.SearchQuery{Text: "alpha gamma", Department: "IT"})
	if len(docs) != 1 || docs[0].Score != 0.5 {
		t.Errorf("docs = %+v, want one doc with score 0.5", docs)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		articles []Article
		wantErr  bool
	}{
		{"ok", []Article{{ID: "a"}, {ID: "b"}}, false},
		{"empty", nil, false},
		{"missing id", []Article{{Title: "x"}}, true},
		{"duplicate id", []Article{{ID: "a"}, {ID: "a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.articles)
			if (err != nil) != tt.wantErr {
				t.Errorf("New err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kb.yaml")
	data := `articles:
  - id: it-001
    title: VPN Access Reset
    content: Reset VPN tokens and device enrollment.
    department: IT
    team: Security
  - id: it-002
    title: Laptop Replacement
    content: Replace a broken laptop.
    department: IT
    team: Support
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	kb, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if kb.Len() != 2 {
		t.Fatalf("Len = %d, want 2", kb.Len())
	}
	docs, _ := kb.Search(context.Background(), triage.SearchQuery{Text: "vpn token", Department: "IT", Team: "Security"})
	if got := ids(docs); !equal(got, []string{"it-001"}) {
		t.Errorf("ids = %v", got)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("articles: [ {id: "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}
