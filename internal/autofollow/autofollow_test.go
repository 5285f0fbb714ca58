package autofollow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pgsentry/pgsentry/internal/pgconninfo"
)

func writePGVersion(t *testing.T, dir, version string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte(version+"\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestRecoveryFileNameSelectsAutoConfForPG12Plus(t *testing.T) {
	dir := t.TempDir()
	writePGVersion(t, dir, "14")
	w := NewWriter(dir, "sslmode=prefer", "", "")

	name, err := w.recoveryFileName()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "postgresql.auto.conf" {
		t.Errorf("expected postgresql.auto.conf, got %q", name)
	}
}

func TestRecoveryFileNameSelectsLegacyNameForOldVersion(t *testing.T) {
	dir := t.TempDir()
	writePGVersion(t, dir, "9.6")
	w := NewWriter(dir, "sslmode=prefer", "", "")

	name, err := w.recoveryFileName()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "recovery.conf" {
		t.Errorf("expected recovery.conf, got %q", name)
	}
}

func TestFollowWritesConninfoAndTimelineOnFreshInstance(t *testing.T) {
	dir := t.TempDir()
	writePGVersion(t, dir, "14")
	w := NewWriter(dir, "sslmode=prefer", "true", "true")
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	status, err := w.Follow("node-a", pgconninfo.Info{"host": "node-b", "port": "5432"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != "changed" {
		t.Fatalf("expected status changed, got %q", status)
	}

	data, err := os.ReadFile(filepath.Join(dir, "postgresql.auto.conf"))
	if err != nil {
		t.Fatalf("expected recovery file to exist: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "primary_conninfo") || !strings.Contains(content, "node-b") {
		t.Errorf("expected primary_conninfo referencing node-b, got:\n%s", content)
	}
	if !strings.Contains(content, "recovery_target_timeline = 'latest'") {
		t.Errorf("expected recovery_target_timeline to be appended for a fresh instance, got:\n%s", content)
	}
	if !strings.HasPrefix(content, "# pgsentry updated primary_conninfo for instance node-a at 2026-01-02T03:04:05Z") {
		t.Errorf("expected header comment naming the instance and timestamp, got:\n%s", content)
	}
}

func TestFollowIsIdempotentWhenConninfoUnchanged(t *testing.T) {
	dir := t.TempDir()
	writePGVersion(t, dir, "14")
	w := NewWriter(dir, "sslmode=prefer", "true", "true")

	if _, err := w.Follow("node-a", pgconninfo.Info{"host": "node-b"}); err != nil {
		t.Fatalf("unexpected error on first follow: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(dir, "postgresql.auto.conf"))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	status, err := w.Follow("node-a", pgconninfo.Info{"host": "node-b"})
	if err != nil {
		t.Fatalf("unexpected error on second follow: %v", err)
	}
	if status != "unchanged" {
		t.Fatalf("expected second follow with identical conninfo to report unchanged, got %q", status)
	}

	after, err := os.ReadFile(filepath.Join(dir, "postgresql.auto.conf"))
	if err != nil {
		t.Fatalf("unexpected error re-reading file: %v", err)
	}
	if string(before) != string(after) {
		t.Errorf("expected unchanged follow to leave the recovery file untouched")
	}
}

func TestFollowPreservesOtherLinesAndReplacesOldConninfo(t *testing.T) {
	dir := t.TempDir()
	writePGVersion(t, dir, "11")
	existing := "standby_mode = 'on'\n" +
		"primary_conninfo = 'host=''old-master'''\n" +
		"recovery_target_timeline = 'latest'\n"
	if err := os.WriteFile(filepath.Join(dir, "recovery.conf"), []byte(existing), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	w := NewWriter(dir, "sslmode=prefer", "true", "true")

	status, err := w.Follow("node-a", pgconninfo.Info{"host": "new-master"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != "changed" {
		t.Fatalf("expected status changed, got %q", status)
	}

	data, err := os.ReadFile(filepath.Join(dir, "recovery.conf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "standby_mode = 'on'") {
		t.Errorf("expected unrelated directive to be preserved, got:\n%s", content)
	}
	if strings.Contains(content, "old-master") {
		t.Errorf("expected stale primary_conninfo to be replaced, got:\n%s", content)
	}
	if strings.Count(content, "recovery_target_timeline") != 1 {
		t.Errorf("expected existing recovery_target_timeline to be kept, not duplicated, got:\n%s", content)
	}
}
