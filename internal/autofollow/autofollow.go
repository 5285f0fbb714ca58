// Package autofollow rewrites the local standby's recovery configuration
// to point at a newly elected primary, and restarts PostgreSQL to pick up
// the change.
package autofollow

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pgsentry/pgsentry/internal/logging"
	"github.com/pgsentry/pgsentry/internal/pgconninfo"
)

const pgVersion12 = 12

// Writer rewrites the recovery file and restarts the server.
type Writer struct {
	DataDirectory           string
	PrimaryConninfoTemplate string
	StartCommand            string
	StopCommand             string

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// NewWriter constructs a Writer.
func NewWriter(dataDirectory, template, startCmd, stopCmd string) *Writer {
	return &Writer{
		DataDirectory:           dataDirectory,
		PrimaryConninfoTemplate: template,
		StartCommand:            startCmd,
		StopCommand:             stopCmd,
		now:                     time.Now,
	}
}

// Follow rewrites the recovery file to track newMaster's connection info
// and restarts PostgreSQL, unless the computed primary_conninfo is
// unchanged from what's already on disk, in which case it returns
// "unchanged" and does nothing further.
func (w *Writer) Follow(instanceName string, newMasterConninfo pgconninfo.Info) (string, error) {
	recoveryFile, err := w.recoveryFileName()
	if err != nil {
		return "", err
	}

	path := filepath.Join(w.DataDirectory, recoveryFile)
	lines, oldConninfo, hasTimeline, err := readRecoveryFile(path)
	if err != nil {
		return "", err
	}

	template, err := pgconninfo.Parse(w.PrimaryConninfoTemplate)
	if err != nil {
		return "", fmt.Errorf("parse primary_conninfo_template: %w", err)
	}
	override := pgconninfo.Info{"host": newMasterConninfo["host"]}
	if port, ok := newMasterConninfo["port"]; ok {
		override["port"] = port
	}
	newConninfo := pgconninfo.Merge(template, override)

	if oldConninfo != nil && pgconninfo.Build(newConninfo) == pgconninfo.Build(oldConninfo) {
		return "unchanged", nil
	}

	out := make([]string, 0, len(lines)+3)
	out = append(out, fmt.Sprintf("# pgsentry updated primary_conninfo for instance %s at %s",
		instanceName, w.now().UTC().Format(time.RFC3339)))
	out = append(out, lines...)
	out = append(out, fmt.Sprintf("primary_conninfo = '%s'", escapeSingleQuoted(pgconninfo.Build(newConninfo))))
	if !hasTimeline {
		out = append(out, "recovery_target_timeline = 'latest'")
	}

	if err := writeAtomic(path, strings.Join(out, "\n")+"\n"); err != nil {
		return "", err
	}

	if err := w.restart(); err != nil {
		return "", err
	}

	return "changed", nil
}

func (w *Writer) recoveryFileName() (string, error) {
	versionPath := filepath.Join(w.DataDirectory, "PG_VERSION")
	data, err := os.ReadFile(versionPath)
	if err != nil {
		return "", fmt.Errorf("read PG_VERSION: %w", err)
	}
	var major int
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &major)
	if major >= pgVersion12 {
		return "postgresql.auto.conf", nil
	}
	return "recovery.conf", nil
}

// readRecoveryFile parses the existing recovery file line by line,
// stripping any primary_conninfo line (returning its parsed value) and
// noting whether recovery_target_timeline is present. All other lines are
// preserved in order.
func readRecoveryFile(path string) (lines []string, oldConninfo pgconninfo.Info, hasTimeline bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("open recovery file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "primary_conninfo") {
			value := extractQuotedValue(trimmed)
			parsed, perr := pgconninfo.Parse(value)
			if perr == nil {
				oldConninfo = parsed
			}
			continue
		}
		if strings.HasPrefix(trimmed, "recovery_target_timeline") {
			hasTimeline = true
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("scan recovery file: %w", err)
	}
	return lines, oldConninfo, hasTimeline, nil
}

func extractQuotedValue(line string) string {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return ""
	}
	rest := strings.TrimSpace(line[eq+1:])
	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "'"), "'")
	return strings.ReplaceAll(strings.ReplaceAll(rest, `\'`, `'`), `\\`, `\`)
}

// escapeSingleQuoted escapes a pre-built libpq connection string (itself
// already using single-quoted fields) so it can be embedded as the value
// of the recovery file's own single-quoted primary_conninfo assignment.
func escapeSingleQuoted(conninfo string) string {
	return strings.ReplaceAll(strings.ReplaceAll(conninfo, `\`, `\\`), `'`, `\'`)
}

func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write temp recovery file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp recovery file: %w", err)
	}
	return nil
}

func (w *Writer) restart() error {
	if w.StopCommand != "" {
		if err := runCommand(w.StopCommand); err != nil {
			return fmt.Errorf("stop command: %w", err)
		}
	}
	if w.StartCommand != "" {
		if err := runCommand(w.StartCommand); err != nil {
			return fmt.Errorf("start command: %w", err)
		}
	}
	return nil
}

func runCommand(command string) error {
	logging.Info("running command", "command", command)
	cmd := exec.Command("/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
