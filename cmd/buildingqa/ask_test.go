package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
)

func TestWriteArtifactDecodesDataURI(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\nfake")
	m := core.MediaArtifact{Kind: "plot", MIME: "image/png", DataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)}

	path, err := writeArtifact(dir, 0, m)
	if err != nil {
		t.Fatalf("writeArtifact: %v", err)
	}
	if filepath.Dir(path) != dir || !strings.HasSuffix(path, ".png") {
		t.Fatalf("unexpected path %s", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(png) {
		t.Fatalf("artifact content mismatch: %v", err)
	}

	if _, err := writeArtifact(dir, 1, core.MediaArtifact{DataURI: "not a data uri"}); err == nil {
		t.Fatal("expected malformed uri error")
	}
}
