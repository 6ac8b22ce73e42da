package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config holds the worker's identity and connection settings. Grounded
// on fluxforge/agent/config.go's Config struct and its getOrCreateNodeID
// persistence trick, retargeted from FluxForge's node-registration
// fields onto ClaudeBench's system.register roles.
type Config struct {
	InstanceID string
	ServerURL  string
	Roles      []string
}

// LoadConfig reads CB_SERVER_URL/CB_ROLES env overrides and loads or
// creates a persistent instance id the way fluxforge/agent/config.go's
// LoadConfig does for NodeID.
func LoadConfig() (*Config, error) {
	id, err := getOrCreateInstanceID()
	if err != nil {
		return nil, err
	}
	roles := []string{"worker"}
	if r := os.Getenv("CB_ROLES"); r != "" {
		roles = strings.Split(r, ",")
	}
	serverURL := os.Getenv("CB_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	return &Config{InstanceID: id, ServerURL: serverURL, Roles: roles}, nil
}

// getOrCreateInstanceID persists an instance id to
// ~/.claudebench/instance_id, matching fluxforge/agent/config.go's
// ~/.fluxforge/node_id convention so a worker keeps a stable identity
// across restarts.
func getOrCreateInstanceID() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("worker: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".claudebench")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("worker: create config dir %s: %w", dir, err)
	}
	idPath := filepath.Join(dir, "instance_id")

	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := "w-" + uuid.NewString()[:8]
	if err := os.WriteFile(idPath, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("worker: save instance id to %s: %w", idPath, err)
	}
	return id, nil
}
