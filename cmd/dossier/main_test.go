package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dossier/internal/testsupport"
)

type cliEnv struct {
	configPath string
	inbox      string
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", filepath.Join(base, "home"))

	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	configPath := filepath.Join(base, "dossier.toml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliEnv{configPath: configPath, inbox: filepath.Join(base, "inbox")}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitWritesSample(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config: %v", err)
	}

	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
}

func TestRunThenStatus(t *testing.T) {
	env := setupCLIEnv(t)
	lease := testsupport.WriteArtifact(t, env.inbox, "lease.pdf", "This Agreement binds the parties")
	mail := testsupport.WriteArtifact(t, env.inbox, "mail.eml", "From: tenant@example.com")

	out, err := env.run(t, "run", "case-1", lease, mail, "--operator", "admin")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Ingested 2 artifact(s)") || !strings.Contains(out, "frozen") {
		t.Fatalf("unexpected run output:\n%s", out)
	}

	out, err = env.run(t, "status", "case-1", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if !view.Mission.Frozen || view.Mission.EvidenceCount != 2 || view.RegistryStatus != "frozen" {
		t.Fatalf("unexpected status %+v", view)
	}

	out, err = env.run(t, "status", "case-1", "--yaml")
	if err != nil {
		t.Fatalf("status yaml: %v", err)
	}
	if !strings.Contains(out, "case_id: case-1") {
		t.Fatalf("unexpected yaml:\n%s", out)
	}

	out, err = env.run(t, "signals", "--topic", "case.frozen", "--json")
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if !strings.Contains(out, `"case.frozen"`) {
		t.Fatalf("expected case.frozen delivery:\n%s", out)
	}
}

func TestResetRequiresAuthorization(t *testing.T) {
	env := setupCLIEnv(t)
	if out, err := env.run(t, "case", "start", "case-2", "--operator", "analyst"); err != nil {
		t.Fatalf("case start: %v\n%s", err, out)
	}
	if _, err := env.run(t, "reset", "case-2", "--operator", "analyst"); err == nil {
		t.Fatal("expected analyst reset to be refused")
	}
	out, err := env.run(t, "reset", "case-2", "--operator", "admin")
	if err != nil {
		t.Fatalf("admin reset: %v", err)
	}
	if !strings.Contains(out, "Reset case case-2") {
		t.Fatalf("unexpected reset output: %s", out)
	}

	out, err = env.run(t, "case", "list")
	if err != nil {
		t.Fatalf("case list: %v", err)
	}
	if !strings.Contains(out, "case-2") {
		t.Fatalf("expected case-2 listed:\n%s", out)
	}
}

func TestSectionCancelAfterBlock(t *testing.T) {
	env := setupCLIEnv(t)
	mail := testsupport.WriteArtifact(t, env.inbox, "mail.eml", "From: tenant@example.com")
	if out, err := env.run(t, "run", "case-3", mail, "--operator", "admin"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if _, err := env.run(t, "section", "cancel", "case-3", "parties", "--operator", "analyst"); err == nil {
		t.Fatal("expected analyst cancel to be refused")
	}
	out, err := env.run(t, "section", "cancel", "case-3", "parties", "--operator", "admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "cancelled") {
		t.Fatalf("unexpected cancel output: %s", out)
	}
}

func TestHealthCommand(t *testing.T) {
	env := setupCLIEnv(t)
	out, err := env.run(t, "health")
	if err != nil {
		t.Fatalf("health: %v\n%s", err, out)
	}
	for _, want := range []string{"Data directory", "metadata", "Rollcall"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestSectionReviseAfterRun(t *testing.T) {
	env := setupCLIEnv(t)
	lease := testsupport.WriteArtifact(t, env.inbox, "lease.pdf", "This Agreement binds the parties")
	mail := testsupport.WriteArtifact(t, env.inbox, "mail.eml", "From: tenant@example.com")
	if out, err := env.run(t, "run", "case-1", lease, mail, "--operator", "admin"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	if _, err := env.run(t, "section", "revise", "case-1", "parties", "--operator", "analyst"); err == nil {
		t.Fatal("expected analyst revision to be refused")
	}
	out, err := env.run(t, "section", "revise", "case-1", "parties", "--operator", "admin", "--reason", "recheck")
	if err != nil {
		t.Fatalf("revise: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Section parties revised: stage monitor, version 2") {
		t.Fatalf("unexpected revise output:\n%s", out)
	}

	out, err = env.run(t, "status", "case-1", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if !view.Mission.Frozen || view.RegistryStatus != "frozen" {
		t.Fatalf("expected case frozen again after revision, got %+v", view)
	}
}
