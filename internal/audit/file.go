package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes each record as <dir>/<conversation_id>/<timestamp>.json.
type FileSink struct {
	Dir string
}

func NewFileSink(dir string) *FileSink { return &FileSink{Dir: dir} }

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(_ context.Context, rec Record) error {
	prepare(&rec)
	conv := safeSegment(rec.ConversationID)
	dir := filepath.Join(f.Dir, conv)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	name := rec.Timestamp.UTC().Format("20060102T150405.000000000Z") + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// safeSegment keeps conversation ids from escaping the audit directory.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "unknown"
	}
	return s
}
