package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"finch/internal/config"
	"finch/internal/testsupport"
)

const (
	testServerHost = "media.example.com"
	testServerURL  = "https://" + testServerHost
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	fake       *testsupport.FakeJellyfin
	client     *http.Client
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	homeDir := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("FINCH_SERVER_URL", "")

	cfg := testsupport.NewConfig(t)
	fake := testsupport.NewFakeJellyfin(t, "srv-main")
	fake.AddUser("alice", "secret")

	configPath := filepath.Join(homeDir, ".config", "finch", "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		configPath: configPath,
		fake:       fake,
		client:     testsupport.RoutingClient(t, map[string]string{testServerHost: fake.URL}),
	}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// runCLI executes one finch invocation against env with stdin as input.
func runCLI(t *testing.T, env *cliTestEnv, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommandWithClient(env.client)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// mustRunCLI fails the test when the invocation errors and returns stdout.
func mustRunCLI(t *testing.T, env *cliTestEnv, stdin string, args ...string) string {
	t.Helper()
	stdout, stderr, err := runCLI(t, env, stdin, args...)
	if err != nil {
		t.Fatalf("finch %s: %v\nstdout: %s\nstderr: %s", strings.Join(args, " "), err, stdout, stderr)
	}
	return stdout
}

func signIn(t *testing.T, env *cliTestEnv) {
	t.Helper()
	mustRunCLI(t, env, "", "server", "add", testServerURL)
	mustRunCLI(t, env, "secret\n", "login", "--username", "alice")
}

func decodeJSON[T any](t *testing.T, raw string) T {
	t.Helper()
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode json: %v\n%s", err, raw)
	}
	return out
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}
