// Package workspace manages the per-build project directories the agent
// reads and writes. Scaffolding beyond the baseline is delegated to the
// external project-scaffolding subsystem; the core only guarantees the
// directory exists before the first agent invocation.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// markerFile records which build owns a workspace directory.
const markerFile = ".mcpbuild"

// Dir returns the workspace path for a build under the configured root.
func Dir(root, buildID string) string {
	return filepath.Join(root, buildID)
}

// Ensure creates the build's workspace directory and baseline marker if they
// do not exist, and returns the path. The contents are owned by the agent.
func Ensure(root, buildID string) (string, error) {
	dir := Dir(root, buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", dir, err)
	}

	marker := filepath.Join(dir, markerFile)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		if err := os.WriteFile(marker, []byte(buildID+"\n"), 0o644); err != nil {
			return "", fmt.Errorf("workspace: write marker: %w", err)
		}
	}
	return dir, nil
}

// Exists reports whether a workspace directory is present for the build.
func Exists(root, buildID string) bool {
	info, err := os.Stat(Dir(root, buildID))
	return err == nil && info.IsDir()
}
