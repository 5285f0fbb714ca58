// Command pgsentry-current-master prints the cluster's current master
// node name, read from the state file a running pgsentryd maintains. It
// takes the daemon's own config file as its argument so it can find that
// state file without duplicating the path as a second flag.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pgsentry/pgsentry/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pgsentry-current-master <path_to_config.json>")
		os.Exit(1)
	}

	master, err := currentMaster(os.Args[1])
	if err != nil {
		os.Exit(1)
	}
	fmt.Println(master)
}

func currentMaster(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}

	statePath := cfg.JSONStateFilePath
	if statePath == "" {
		statePath = "/tmp/json_state_file"
	}

	info, err := os.Stat(statePath)
	if err != nil {
		return "", err
	}
	if time.Since(info.ModTime()) > 60*time.Second {
		return "", fmt.Errorf("state file %s is older than 60s", statePath)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return "", err
	}

	var state struct {
		CurrentMaster string `json:"current_master"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", err
	}
	return state.CurrentMaster, nil
}
