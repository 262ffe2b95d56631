package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/ticketwarden/internal/authmw"
	vc "github.com/linnemanlabs/ticketwarden/internal/cfg"
	"github.com/linnemanlabs/ticketwarden/internal/kb/memkb"
	"github.com/linnemanlabs/ticketwarden/internal/policy"
	"github.com/linnemanlabs/ticketwarden/internal/secrets"
	"github.com/linnemanlabs/ticketwarden/internal/ticket"
	"github.com/linnemanlabs/ticketwarden/internal/ticketapi"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
	"github.com/linnemanlabs/ticketwarden/internal/triage/memstore"
	"github.com/linnemanlabs/ticketwarden/internal/triage/sqlitestore"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

type mapProvider map[string]secrets.Lookup

func (m mapProvider) GetSecret(_ context.Context, name string) secrets.Lookup {
	return m[name]
}

func TestResolveSecrets(t *testing.T) {
	t.Parallel()

	p := mapProvider{
		secretClaudeAPIKey:  {State: secrets.Ok, Value: "sk-from-dir"},
		secretRedisPassword: {State: secrets.Ok, Value: "redis-pw"},
	}
	c := &vc.Config{DatabaseURL: "postgres://flag"}

	got, err := resolveSecrets(context.Background(), p, c)
	if err != nil {
		t.Fatalf("resolveSecrets: %v", err)
	}
	if got.ClaudeAPIKey != "sk-from-dir" {
		t.Errorf("ClaudeAPIKey = %q", got.ClaudeAPIKey)
	}
	if got.DatabaseURL != "postgres://flag" {
		t.Errorf("DatabaseURL = %q, flag should win", got.DatabaseURL)
	}
	if got.RedisPassword != "redis-pw" {
		t.Errorf("RedisPassword = %q", got.RedisPassword)
	}
	if got.SearchAPIKey != "" {
		t.Errorf("SearchAPIKey = %q, want empty", got.SearchAPIKey)
	}
}

func TestResolveSecrets_MissingClaudeKey(t *testing.T) {
	t.Parallel()

	_, err := resolveSecrets(context.Background(), mapProvider{}, &vc.Config{})
	if !errors.Is(err, secrets.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestResolveSecrets_ProviderFailure(t *testing.T) {
	t.Parallel()

	p := mapProvider{
		secretClaudeAPIKey:  {State: secrets.Ok, Value: "k"},
		secretSearchAPIKey: {State: secrets.Failed, Err: errors.New("permission denied")},
	}
	_, err := resolveSecrets(context.Background(), p, &vc.Config{})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v, want provider failure", err)
	}
}

func TestNewSecretProvider_DirBeforeEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, secretClaudeAPIKey), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TICKETWARDEN_CLAUDE_API_KEY", "from-env")
	t.Setenv("TICKETWARDEN_SEARCH_API_KEY", "search-from-env")

	p := newSecretProvider(&vc.Config{SecretsDir: dir})
	ctx := context.Background()

	if l := p.GetSecret(ctx, secretClaudeAPIKey); l.State != secrets.Ok || l.Value != "from-file" {
		t.Errorf("claude key = %+v, want from-file", l)
	}
	if l := p.GetSecret(ctx, secretSearchAPIKey); l.State != secrets.Ok || l.Value != "search-from-env" {
		t.Errorf("search key = %+v, want env fallback", l)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	t.Parallel()

	st, closeFn, err := openStore(context.Background(), &vc.Config{}, "", log.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeFn()
	if _, ok := st.(*memstore.Store); !ok {
		t.Fatalf("store = %T, want *memstore.Store", st)
	}
	if _, ok := st.(triage.Sweeper); !ok {
		t.Error("memory store should support retention sweeps")
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	t.Parallel()

	c := &vc.Config{SQLitePath: filepath.Join(t.TempDir(), "records.db")}
	st, closeFn, err := openStore(context.Background(), c, "", log.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeFn()
	if _, ok := st.(*sqlitestore.Store); !ok {
		t.Fatalf("store = %T, want *sqlitestore.Store", st)
	}
}

func TestNewRetriever_Static(t *testing.T) {
	t.Parallel()

	r, closeFn, err := newRetriever(context.Background(), &vc.Config{}, resolvedSecrets{}, log.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("newRetriever: %v", err)
	}
	defer closeFn()
	if _, ok := r.(*memkb.KB); !ok {
		t.Fatalf("retriever = %T, want *memkb.KB", r)
	}

	docs, err := r.Search(context.Background(), triage.SearchQuery{Text: "vpn", Department: "IT", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) == 0 {
		t.Error("built-in knowledge base should have IT articles")
	}
}

func TestNewRetriever_MissingKBFile(t *testing.T) {
	t.Parallel()

	c := &vc.Config{KBFile: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, _, err := newRetriever(context.Background(), c, resolvedSecrets{}, log.Nop(), prometheus.NewRegistry()); err == nil {
		t.Fatal("expected error for missing kb file")
	}
}

func TestNewPolicyEngine(t *testing.T) {
	t.Parallel()

	e, err := newPolicyEngine("")
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if p := e.EscalationPath("Legal", "Contracts"); len(p) == 0 || p[0] != "legal-lead@company.com" {
		t.Errorf("default Legal/Contracts path = %v", p)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := "departments:\n  Legal:\n    requires_human_review: true\n    min_confidence: 0.9\n    sla_multiplier: 0.5\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := newPolicyEngine(path); err != nil {
		t.Fatalf("file: %v", err)
	}

	if err := os.WriteFile(path, []byte("departments:\n  Legal:\n    min_confidence: 2\n    sla_multiplier: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := newPolicyEngine(path); err == nil {
		t.Fatal("expected validation error for out-of-range threshold")
	}
}

func TestWaitCtx(t *testing.T) {
	t.Parallel()

	if err := waitCtx(context.Background(), func() {}); err != nil {
		t.Fatalf("waitCtx = %v, want nil", err)
	}

	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := waitCtx(ctx, func() { <-block }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waitCtx = %v, want DeadlineExceeded", err)
	}
}

type emptyService struct{}

func (emptyService) Process(context.Context, *ticket.Input) (*triage.Result, error) {
	return &triage.Result{}, nil
}

func (emptyService) Decision(context.Context, string) (*triage.DecisionRecord, bool, error) {
	return nil, false, nil
}

func (emptyService) Decisions(context.Context, triage.RecordQuery) ([]*triage.DecisionRecord, error) {
	return nil, nil
}

func TestNewAPIHandler(t *testing.T) {
	t.Parallel()

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	api := ticketapi.New(log.Nop(), emptyService{}, policy.NewDefault(),
		ticketapi.WithMiddleware(authmw.BearerToken("tok")))
	h := newAPIHandler(apiHandlerOpts{
		logger:  log.Nop(),
		api:     api,
		healthz: ok,
		readyz:  ok,
	})

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"healthy without auth", healthyPath, "", http.StatusOK},
		{"ready without auth", readyPath, "", http.StatusOK},
		{"api requires auth", "/api/v1/decisions", "", http.StatusUnauthorized},
		{"api with token", "/api/v1/decisions", "tok", http.StatusOK},
		{"escalation path", "/api/v1/escalation-path?department=IT&team=DBA", "tok", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestShutdown_RunsInOrderAndSkipsNil(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, err error) func(context.Context) error {
		return func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: expected a deadline", name)
			}
			order = append(order, name)
			return err
		}
	}

	shutdown(log.Nop(), time.Second, []stopFn{
		{"a", step("a", nil)},
		{"nil", nil},
		{"b", step("b", errors.New("stuck"))},
		{"c", step("c", nil)},
	})

	if got := strings.Join(order, ","); got != "a,b,c" {
		t.Errorf("order = %q, want a,b,c", got)
	}
}
