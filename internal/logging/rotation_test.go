package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"100", 100},
		{"10KB", 10 * 1024},
		{"50MB", 50 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"512B", 512},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.input)
		if err != nil {
			t.Errorf("parseSize(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseSize_Invalid(t *testing.T) {
	if _, err := parseSize("not-a-size"); err == nil {
		t.Error("parseSize(\"not-a-size\") expected error, got nil")
	}
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"36h", 36 * time.Hour},
	}

	for _, tt := range tests {
		got, err := parseRetention(tt.input)
		if err != nil {
			t.Errorf("parseRetention(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseRetention(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestRotatingWriter_RotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "operator-test.log")

	w, err := newRotatingWriter(path, &RotationConfig{MaxSize: "64B", MaxBackups: 2})
	if err != nil {
		t.Fatalf("newRotatingWriter() error: %v", err)
	}

	line := strings.Repeat("x", 40) + "\n"
	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "operator-test.*.log"))
	if err != nil {
		t.Fatalf("Glob() error: %v", err)
	}
	if len(matches) == 0 {
		t.Error("expected at least one rotated backup file")
	}

	// The active file must still exist and be under the limit.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size() > 64 {
		t.Errorf("active log size = %d, want <= 64", info.Size())
	}
}

func TestLogFileName(t *testing.T) {
	ts := time.Date(2024, 12, 21, 14, 30, 0, 0, time.UTC)
	got := LogFileName(ts)
	want := "operator-2024-12-21T14-30-00Z.log"
	if got != want {
		t.Errorf("LogFileName() = %q, want %q", got, want)
	}
}
