// Package service installs and manages pgsentryd as a system or user
// service via kardianos/service, mirroring the daemon's foreground
// lifecycle (Start/Stop) under the platform's native service manager.
package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
)

// Exit codes, one scheme per subcommand context: a given integer means a
// different thing depending on which command returned it.
const (
	ExitSuccess          = 0
	ExitPermissionDenied = 1
	ExitServiceExists    = 2
	ExitConfigError      = 3
	ExitServiceNotFound  = 1
	ExitAlreadyRunning   = 2
	ExitStartFailed      = 3
	ExitNotRunning       = 1
	ExitStopFailed       = 2
	ExitRestartFailed    = 2
	ExitStopped          = 2
	ExitUnhealthy        = 3
)

// Runner is the long-running process a service build manages: New's caller
// constructs one from a loaded config and the supervisor wiring.
type Runner interface {
	Start() error
	Stop() error
}

// Builder constructs a Runner from the command-line configuration. It is
// called once, inside Start, after the service manager hands control to
// the process.
type Builder func(configPath string, debug bool) (Runner, error)

// Config holds configuration for creating the service.
type Config struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
}

// program implements kardianos/service's service.Program.
type program struct {
	build      Builder
	configPath string
	debug      bool
	runner     Runner
}

// Start is called by the service manager. Per kardianos/service, it must
// return quickly; the actual work runs in a goroutine.
func (p *program) Start(s service.Service) error {
	r, err := p.build(p.configPath, p.debug)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	p.runner = r

	go func() {
		if err := p.runner.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "pgsentryd start error: %v\n", err)
		}
	}()
	return nil
}

// Stop is called by the service manager on shutdown.
func (p *program) Stop(s service.Service) error {
	if p.runner != nil {
		return p.runner.Stop()
	}
	return nil
}

// New creates a kardianos/service.Service for pgsentryd, configured for
// the current platform.
func New(cfg Config, build Builder) (service.Service, error) {
	prg := &program{build: build, configPath: cfg.ConfigPath, debug: cfg.Debug}

	svcCfg := &service.Config{
		Name:        "pgsentryd",
		DisplayName: "pgsentry replication monitor and failover coordinator",
		Description: "Monitors PostgreSQL streaming replication health and coordinates failover across the cluster.",
	}

	userMode := cfg.UserMode
	if !userMode {
		userMode = isUserServiceInstalled()
	}
	if userMode {
		svcCfg.Option = service.KeyValue{"UserService": true}
	}

	switch runtime.GOOS {
	case "darwin":
		svcCfg.Option = mergeOptions(svcCfg.Option, service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		})
	case "linux":
		svcCfg.Option = mergeOptions(svcCfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		svcCfg.Option = mergeOptions(svcCfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	if cfg.ConfigPath != "" {
		svcCfg.Arguments = []string{"run", "--config", cfg.ConfigPath}
	} else {
		svcCfg.Arguments = []string{"run"}
	}
	if cfg.Debug {
		svcCfg.Arguments = append(svcCfg.Arguments, "--debug")
	}

	return service.New(prg, svcCfg)
}

func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// Install installs the service.
func Install(cfg Config, build Builder) error {
	svc, err := New(cfg, build)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if status, err := svc.Status(); err == nil && status != service.StatusUnknown {
		return fmt.Errorf("service already installed")
	}
	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall removes the service, stopping it first if running.
func Uninstall(build Builder) error {
	svc, err := New(Config{}, build)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return fmt.Errorf("service not installed")
	}
	if status == service.StatusRunning {
		_ = svc.Stop()
	}
	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Start starts the installed service.
func Start(build Builder) error {
	svc, err := New(Config{}, build)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	status, err := svc.Status()
	if err != nil {
		return fmt.Errorf("service not installed")
	}
	if status == service.StatusRunning {
		return fmt.Errorf("service already running")
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Stop stops the running service.
func Stop(build Builder) error {
	svc, err := New(Config{}, build)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	status, err := svc.Status()
	if err != nil {
		return fmt.Errorf("service not installed")
	}
	if status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

// Restart restarts the service.
func Restart(build Builder) error {
	svc, err := New(Config{}, build)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if _, err := svc.Status(); err != nil {
		return fmt.Errorf("service not installed")
	}
	if err := svc.Restart(); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}
	return nil
}

// Status is the daemon's reported service state.
type Status struct {
	State         string `json:"state"`
	CurrentMaster string `json:"current_master,omitempty"`
	Error         string `json:"error,omitempty"`
}

// GetStatus retrieves the service's run state and, if reachable, the
// current master as last recorded in the state file.
func GetStatus(build Builder, statePath string) (*Status, error) {
	svc, err := New(Config{}, build)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	svcStatus, err := svc.Status()
	if err != nil {
		return &Status{State: "not_installed"}, nil
	}

	status := &Status{}
	switch svcStatus {
	case service.StatusRunning:
		status.State = "running"
	case service.StatusStopped:
		status.State = "stopped"
	default:
		status.State = "unknown"
	}

	if svcStatus == service.StatusRunning && statePath != "" {
		if master, err := readCurrentMaster(statePath); err == nil {
			status.CurrentMaster = master
		} else {
			status.Error = err.Error()
		}
	}
	return status, nil
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error { return e.Err }

// readCurrentMaster extracts current_master from the daemon's JSON state
// file without depending on its full schema.
func readCurrentMaster(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read state file: %w", err)
	}
	var wire struct {
		CurrentMaster string `json:"current_master"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return "", fmt.Errorf("parse state file: %w", err)
	}
	return wire.CurrentMaster, nil
}

func isUserServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(homeDir, "Library", "LaunchAgents", "pgsentryd.plist"))
	return err == nil
}

func isSystemServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := os.Stat("/Library/LaunchDaemons/pgsentryd.plist")
	return err == nil
}

// IsRunningAsRoot reports whether the process has root/administrator
// privileges.
func IsRunningAsRoot() bool {
	return os.Geteuid() == 0
}

// RequiresSudo reports whether the installed service requires elevated
// privileges to manage.
func RequiresSudo() bool {
	return isSystemServiceInstalled() && !IsRunningAsRoot()
}
