package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/config"
	"github.com/stellarlinkco/lorekeeper/internal/gateway"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
	"github.com/stellarlinkco/lorekeeper/internal/store"
)

type fakeProvider struct{}

func (fakeProvider) Classify(ctx context.Context, ws, text string) (provider.Verdict, error) {
	return provider.Verdict{IsKnowledge: true, Confident: true, Confidence: 0.9}, nil
}

func (fakeProvider) ClassifyEscalate(ctx context.Context, ws, text, surrounding string) (provider.Escalation, error) {
	return provider.Escalation{IsKnowledge: true, Confidence: 0.9}, nil
}

func (fakeProvider) Chat(ctx context.Context, ws string, req provider.ChatRequest) (*provider.ChatResult, error) {
	return &provider.ChatResult{Content: "ok", Message: model.Message{Role: "assistant", Content: "ok"}}, nil
}

func (fakeProvider) Embed(ctx context.Context, ws, text string) (*provider.Embedding, error) {
	return &provider.Embedding{Vector: []float32{1, 0}, Model: "fake"}, nil
}

func (fakeProvider) Close() {}

// setupHome points the config dir at a temp HOME and installs the fake provider.
func setupHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)

	// Clear env overrides
	for _, k := range []string{
		"LOREKEEPER_API_KEY", "ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY",
		"LOREKEEPER_REDIS_ADDR", "LOREKEEPER_DB_PATH", "LOREKEEPER_TELEGRAM_TOKEN",
	} {
		t.Setenv(k, "")
	}

	orig := providerFactory
	providerFactory = func(ctx context.Context, cfg *config.Config, ledger chat.UsageLedger) (gateway.Provider, error) {
		return fakeProvider{}, nil
	}
	t.Cleanup(func() { providerFactory = orig })
	return tmpDir
}

func run(t *testing.T, fn func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	err := fn(cmd, args)
	return buf.String(), err
}

func openEngine(t *testing.T, home string) *store.Engine {
	t.Helper()
	e, err := store.NewEngine(filepath.Join(home, ".lorekeeper", "data", "lorekeeper.db"))
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	return e
}

func TestInit(t *testing.T) {
	for _, name := range []string{"serve", "onboard", "status", "signal", "classify", "sessions", "memos", "jobs", "maintenance"} {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}

	if signalCmd.Flags().Lookup("message") == nil {
		t.Error("signal --message flag should exist")
	}
	if f := memosListCmd.Flags().Lookup("limit"); f == nil || f.DefValue != "50" {
		t.Errorf("memos list --limit = %+v, want default 50", f)
	}
	if f := classifyCmd.Flags().Lookup("workspace"); f == nil || f.DefValue != "cli" {
		t.Errorf("classify --workspace = %+v, want default cli", f)
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := setupHome(t)

	output, err := run(t, runOnboard)
	if err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	cfgPath := filepath.Join(tmpDir, ".lorekeeper", "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".lorekeeper", "data")); os.IsNotExist(err) {
		t.Error("data dir was not created")
	}
	if !strings.Contains(output, "Created config") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := setupHome(t)

	cfgDir := filepath.Join(tmpDir, ".lorekeeper")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)

	output, err := run(t, runOnboard)
	if err != nil {
		t.Errorf("runOnboard error: %v", err)
	}
	if !strings.Contains(output, "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", output)
	}
}

func TestRunStatus(t *testing.T) {
	setupHome(t)

	output, err := run(t, runStatus)
	if err != nil {
		t.Errorf("runStatus error: %v", err)
	}
	for _, want := range []string{"Config:", "API Key: not set", "Telegram: enabled=false", "Signals: in-process only", "Database: not found"} {
		if !strings.Contains(output, want) {
			t.Errorf("missing %q in output: %s", want, output)
		}
	}
}

func TestRunStatus_WithQueue(t *testing.T) {
	home := setupHome(t)
	t.Setenv("LOREKEEPER_API_KEY", "sk-ant-1234567890")

	e := openEngine(t, home)
	q, err := queue.New(e.DB())
	if err != nil {
		t.Fatalf("queue.New error: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), queue.ClassifyPayload{WorkspaceID: "ws", Content: "x", ContentType: queue.ContentMessage}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	e.Close()

	output, err := run(t, runStatus)
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "API Key: sk-a...7890") {
		t.Errorf("key not masked in output: %s", output)
	}
	if !strings.Contains(output, "classify") || !strings.Contains(output, "Queue:") {
		t.Errorf("queue stats missing from output: %s", output)
	}
}

func TestRunServe_NoBackend(t *testing.T) {
	setupHome(t)
	t.Setenv("LOREKEEPER_LOCAL_ENABLED", "false")

	_, err := run(t, runServe)
	if err == nil {
		t.Fatal("expected error with no model backend")
	}
	if !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("error should mention API key: %v", err)
	}
}

func withSignalFlags(t *testing.T, message, stream, event, content string, count int) {
	t.Helper()
	old := []string{workspaceFlag, streamFlag, messageFlag, eventFlag, authorFlag, contentFlag}
	oldCount := countFlag
	workspaceFlag, streamFlag, messageFlag, eventFlag, authorFlag, contentFlag = "ws", stream, message, event, "bob", content
	countFlag = count
	t.Cleanup(func() {
		workspaceFlag, streamFlag, messageFlag, eventFlag, authorFlag, contentFlag = old[0], old[1], old[2], old[3], old[4], old[5]
		countFlag = oldCount
	})
}

func TestRunSignal_ReactionQueuesClassification(t *testing.T) {
	home := setupHome(t)

	e := openEngine(t, home)
	m := &chat.Message{WorkspaceID: "ws", StreamID: "s1", AuthorID: "alice", Content: "restart the ingest worker after rotating keys", CreatedAt: time.Now()}
	if err := e.SaveMessage(context.Background(), m); err != nil {
		t.Fatalf("SaveMessage error: %v", err)
	}
	e.Close()

	withSignalFlags(t, m.ID, "", "", "", 1)
	output, err := run(t, runSignal, "reaction")
	if err != nil {
		t.Fatalf("runSignal error: %v", err)
	}
	if !strings.Contains(output, "Accepted reaction signal") {
		t.Errorf("unexpected output: %s", output)
	}

	e = openEngine(t, home)
	defer e.Close()
	q, _ := queue.New(e.DB())
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if len(stats) != 1 || stats[0].Type != queue.TypeClassify {
		t.Errorf("stats = %+v, want one classify job", stats)
	}
}

func TestRunSignal_MessageIsStored(t *testing.T) {
	home := setupHome(t)
	withSignalFlags(t, "m-cli", "s1", "", "bump the pool size when the queue backs up", 1)

	output, err := run(t, runSignal, "message")
	if err != nil {
		t.Fatalf("runSignal error: %v", err)
	}
	if !strings.Contains(output, "Accepted message signal") {
		t.Errorf("unexpected output: %s", output)
	}

	e := openEngine(t, home)
	defer e.Close()
	m, err := e.Message(context.Background(), "m-cli")
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	if m.AuthorID != "bob" || m.StreamID != "s1" {
		t.Errorf("stored message = %+v", m)
	}
	s, err := e.Stream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if s.EventCount != 1 {
		t.Errorf("EventCount = %d, want 1", s.EventCount)
	}
}

func TestRunSignal_Invalid(t *testing.T) {
	setupHome(t)
	withSignalFlags(t, "", "", "", "", 1)

	if _, err := run(t, runSignal, "reaction"); err == nil {
		t.Error("expected error for reaction without message")
	}
	if _, err := run(t, runSignal, "wave"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRunClassify_Prefiltered(t *testing.T) {
	setupHome(t)

	output, err := run(t, runClassify, "ok")
	if err != nil {
		t.Fatalf("runClassify error: %v", err)
	}
	if !strings.Contains(output, "Prefiltered") {
		t.Errorf("expected prefiltered verdict, got: %s", output)
	}
}

func TestRunSessionsList_Empty(t *testing.T) {
	setupHome(t)

	output, err := run(t, runSessionsList)
	if err != nil {
		t.Fatalf("runSessionsList error: %v", err)
	}
	if !strings.Contains(output, "No sessions") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunSessionsShow_NotFound(t *testing.T) {
	setupHome(t)

	if _, err := run(t, runSessionsShow, "missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestRunSessionsSweep(t *testing.T) {
	setupHome(t)

	output, err := run(t, runSessionsSweep)
	if err != nil {
		t.Fatalf("runSessionsSweep error: %v", err)
	}
	if !strings.Contains(output, "Failed 0 stale sessions") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunMemosList(t *testing.T) {
	setupHome(t)

	old := memosWorkspace
	t.Cleanup(func() { memosWorkspace = old })

	memosWorkspace = ""
	if _, err := run(t, runMemosList); err == nil {
		t.Error("expected error without --workspace")
	}

	memosWorkspace = "ws"
	output, err := run(t, runMemosList)
	if err != nil {
		t.Fatalf("runMemosList error: %v", err)
	}
	if !strings.Contains(output, "No memos") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunJobs(t *testing.T) {
	setupHome(t)

	output, err := run(t, runJobsDead)
	if err != nil {
		t.Fatalf("runJobsDead error: %v", err)
	}
	if !strings.Contains(output, "No dead jobs") {
		t.Errorf("unexpected output: %s", output)
	}

	output, err = run(t, runJobsWork, string(queue.TypeRespond))
	if err != nil {
		t.Fatalf("runJobsWork error: %v", err)
	}
	if !strings.Contains(output, "Ran 0 respond jobs") {
		t.Errorf("unexpected output: %s", output)
	}

	if _, err := run(t, runJobsWork, "bogus"); err == nil {
		t.Error("expected error for unknown job type")
	}
}

func TestRunMaintenance(t *testing.T) {
	setupHome(t)

	output, err := run(t, runMaintenance, "purge-jobs")
	if err != nil {
		t.Fatalf("runMaintenance error: %v", err)
	}
	if !strings.Contains(output, "purge-jobs: 0 jobs purged") {
		t.Errorf("unexpected output: %s", output)
	}

	_, err = run(t, runMaintenance, "defrag")
	if err == nil || !strings.Contains(err.Error(), "session-sweep") {
		t.Errorf("err = %v, want list of available tasks", err)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key, want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-1234567890", "sk-a...7890"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine("ééééé", 3); got != "ééé..." {
		t.Errorf("oneLine = %q", got)
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay(\"\") = %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("providerDisplay(openai) = %q", got)
	}
}
