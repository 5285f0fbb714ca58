// Command pgsentryd is the replication monitor and failover coordinator
// daemon: it polls every configured cluster member and observer, resolves
// the current master, tracks replication lag, and promotes a standby when
// quorum agrees the master is gone.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgsentry/pgsentry/internal/config"
	"github.com/pgsentry/pgsentry/internal/service"
)

var (
	version = "dev"

	configPath string
	debug      bool
	userMode   bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgsentryd",
		Short: "PostgreSQL replication monitor and failover coordinator",
		Long: `pgsentryd polls a cluster's PostgreSQL nodes over libpq and observer
nodes over HTTP, resolves the current master, tracks replication lag, and
promotes the furthest-along standby when the master is unreachable and a
quorum of the cluster agrees.

Service Management:
  pgsentryd install [--user]   Install as system/user service
  pgsentryd uninstall          Remove the service
  pgsentryd start              Start the installed service
  pgsentryd stop               Stop the running service
  pgsentryd restart            Restart the service
  pgsentryd status [--json]    Show service status

Direct Run (for debugging):
  pgsentryd run [--debug]      Run in foreground mode`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (required)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newInstallCmd(),
		newUninstallCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serviceBuilder() service.Builder {
	return func(path string, dbg bool) (service.Runner, error) {
		return buildDaemon(path, dbg)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground()
		},
	}
}

// runForeground builds and starts the daemon directly, without going
// through the service manager, handling SIGINT/SIGTERM for shutdown and
// SIGHUP for a configuration reload.
func runForeground() error {
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		os.Exit(service.ExitConfigError)
	}

	d, err := buildDaemon(configPath, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building daemon: %v\n", err)
		os.Exit(service.ExitConfigError)
	}

	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(service.ExitStartFailed)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := d.reload(configPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error reloading config: %v\n", err)
			}
			continue
		}

		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		if err := d.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping daemon: %v\n", err)
			os.Exit(1)
		}
		return nil
	}
	return nil
}

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install pgsentryd as a system service",
		Long: `Install pgsentryd as a system service that starts on boot.

Use --user to install as a user service (no elevated privileges required).
System service installation requires administrator/root privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				fmt.Fprintln(os.Stderr, "Error: --config is required")
				os.Exit(service.ExitConfigError)
			}

			svcConfig := service.Config{ConfigPath: configPath, UserMode: userMode, Debug: debug}
			if err := service.Install(svcConfig, serviceBuilder()); err != nil {
				var permErr *service.PermissionError
				if errors.As(err, &permErr) {
					fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
					os.Exit(service.ExitPermissionDenied)
				}
				if err.Error() == "service already installed" {
					fmt.Fprintf(os.Stderr, "Error: service already installed\n")
					fmt.Fprintf(os.Stderr, "Use 'pgsentryd uninstall' first to reinstall\n")
					os.Exit(service.ExitServiceExists)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(service.ExitConfigError)
			}

			fmt.Println("pgsentryd installed successfully")
			if userMode {
				fmt.Println("Installed as user service")
			} else {
				fmt.Println("Installed as system service")
			}
			fmt.Println("\nTo start the service:")
			fmt.Println("  pgsentryd start")
			return nil
		},
	}
	cmd.Flags().BoolVar(&userMode, "user", false, "install as user service instead of system")
	return cmd
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the pgsentryd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service.RequiresSudo() {
				fmt.Fprintf(os.Stderr, "Error: system service installed, requires sudo\n")
				fmt.Fprintf(os.Stderr, "Run: sudo pgsentryd uninstall\n")
				os.Exit(service.ExitPermissionDenied)
			}
			if err := service.Uninstall(serviceBuilder()); err != nil {
				var permErr *service.PermissionError
				if errors.As(err, &permErr) {
					fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
					os.Exit(service.ExitPermissionDenied)
				}
				if err.Error() == "service not installed" {
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					os.Exit(service.ExitServiceNotFound)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("pgsentryd uninstalled successfully")
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the installed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service.RequiresSudo() {
				fmt.Fprintf(os.Stderr, "Error: system service installed, requires sudo\n")
				fmt.Fprintf(os.Stderr, "Run: sudo pgsentryd start\n")
				os.Exit(service.ExitPermissionDenied)
			}
			if err := service.Start(serviceBuilder()); err != nil {
				switch err.Error() {
				case "service not installed":
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					fmt.Fprintf(os.Stderr, "Use 'pgsentryd install' first\n")
					os.Exit(service.ExitServiceNotFound)
				case "service already running":
					fmt.Fprintf(os.Stderr, "Error: service already running\n")
					os.Exit(service.ExitAlreadyRunning)
				default:
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(service.ExitStartFailed)
				}
			}
			fmt.Println("pgsentryd started")
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service.RequiresSudo() {
				fmt.Fprintf(os.Stderr, "Error: system service installed, requires sudo\n")
				fmt.Fprintf(os.Stderr, "Run: sudo pgsentryd stop\n")
				os.Exit(service.ExitPermissionDenied)
			}
			if err := service.Stop(serviceBuilder()); err != nil {
				switch err.Error() {
				case "service not installed":
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					os.Exit(service.ExitServiceNotFound)
				case "service not running":
					fmt.Fprintf(os.Stderr, "Error: service not running\n")
					os.Exit(service.ExitNotRunning)
				default:
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(service.ExitStopFailed)
				}
			}
			fmt.Println("pgsentryd stopped")
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service.RequiresSudo() {
				fmt.Fprintf(os.Stderr, "Error: system service installed, requires sudo\n")
				fmt.Fprintf(os.Stderr, "Run: sudo pgsentryd restart\n")
				os.Exit(service.ExitPermissionDenied)
			}
			if err := service.Restart(serviceBuilder()); err != nil {
				if err.Error() == "service not installed" {
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					fmt.Fprintf(os.Stderr, "Use 'pgsentryd install' first\n")
					os.Exit(service.ExitServiceNotFound)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(service.ExitRestartFailed)
			}
			fmt.Println("pgsentryd restarted")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statePath string
			if configPath != "" {
				if cfg, err := config.Load(configPath); err == nil {
					statePath = cfg.JSONStateFilePath
				}
			}
			if statePath == "" {
				statePath = "/tmp/json_state_file"
			}

			status, err := service.GetStatus(serviceBuilder(), statePath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
					os.Exit(1)
				}
			} else {
				printHumanStatus(status)
			}

			switch status.State {
			case "not_installed":
				os.Exit(service.ExitServiceNotFound)
			case "stopped":
				os.Exit(service.ExitStopped)
			case "running":
				if status.Error != "" {
					os.Exit(service.ExitUnhealthy)
				}
				os.Exit(service.ExitSuccess)
			default:
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func printHumanStatus(status *service.Status) {
	fmt.Printf("pgsentryd status: %s\n", status.State)

	switch status.State {
	case "not_installed":
		fmt.Println("\nTo install the service:")
		fmt.Println("  pgsentryd install")
	case "stopped":
		fmt.Println("\nTo start the service:")
		fmt.Println("  pgsentryd start")
	case "running":
		if status.CurrentMaster != "" {
			fmt.Printf("  Current master: %s\n", status.CurrentMaster)
		}
		if status.Error != "" {
			fmt.Printf("  Error: %s\n", status.Error)
		}
	}
}
