package session

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// BridgeBinary is the stdio bridge executable name produced by the server build.
const BridgeBinary = "rustymail-mcp-stdio"

// Environment variables read by the stdio bridge.
const (
	EnvBackendURL = "MCP_BACKEND_URL"
	EnvTimeout    = "MCP_TIMEOUT"
)

// bridgeSearchDirs are probed in order, relative to Target.SearchRoot.
var bridgeSearchDirs = []string{
	filepath.Join("target", "debug"),
	filepath.Join("target", "release"),
}

// ResolveBridge locates the stdio bridge binary for target. An explicit
// BridgePath must exist; otherwise the build output directories are probed.
func ResolveBridge(target Target) (string, error) {
	if explicit := strings.TrimSpace(target.BridgePath); explicit != "" {
		if err := checkExecutable(explicit); err != nil {
			return "", fmt.Errorf("bridge %q: %w", explicit, err)
		}
		return explicit, nil
	}

	root := strings.TrimSpace(target.SearchRoot)
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve bridge search root: %w", err)
		}
		root = cwd
	}

	name := BridgeBinary
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	searched := make([]string, 0, len(bridgeSearchDirs))
	for _, dir := range bridgeSearchDirs {
		candidate := filepath.Join(root, dir, name)
		searched = append(searched, candidate)
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("bridge binary %s not found (searched %s); build it with `cargo build --bin %s` or pass --bridge",
		name, strings.Join(searched, ", "), BridgeBinary)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	return nil
}

// bridgeEnv returns the variables appended to the inherited environment of
// the bridge process.
func bridgeEnv(target Target) map[string]string {
	seconds := int(target.CallTimeout / time.Second)
	if seconds <= 0 {
		seconds = int(DefaultCallTimeout / time.Second)
	}
	return map[string]string{
		EnvBackendURL: target.BackendURL,
		EnvTimeout:    strconv.Itoa(seconds),
	}
}
