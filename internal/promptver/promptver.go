// Package promptver derives a stable version identifier for the analyzer's
// prompt file contents, so every Node records which prompt revision
// produced it.
package promptver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Version returns a short, stable identifier for the prompt file's current
// contents. Identical contents always yield the identical version string,
// so re-running analysis against an unchanged prompt is idempotent for
// versioning purposes.
func Version(promptPath string) (string, error) {
	data, err := os.ReadFile(promptPath)
	if err != nil {
		return "", fmt.Errorf("prompt file not found: %w", err)
	}
	sum := sha256.Sum256(data)
	return "v" + hex.EncodeToString(sum[:])[:12], nil
}
