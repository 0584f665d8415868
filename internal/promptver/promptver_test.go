package promptver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionStableForSameContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("analyze this session"), 0o644); err != nil {
		t.Fatal(err)
	}

	v1, err := Version(path)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := Version(path)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Errorf("expected stable version, got %s then %s", v1, v2)
	}

	if err := os.WriteFile(path, []byte("analyze this session, differently"), 0o644); err != nil {
		t.Fatal(err)
	}
	v3, err := Version(path)
	if err != nil {
		t.Fatal(err)
	}
	if v3 == v1 {
		t.Error("expected version to change when contents change")
	}
}

func TestVersionMissingFile(t *testing.T) {
	if _, err := Version("/nonexistent/prompt.md"); err == nil {
		t.Fatal("expected error for missing prompt file")
	}
}
