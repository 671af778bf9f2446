package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip file: %v", err)
	}
	return path
}

func TestExtract_RoundTrip(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"main.py":       "print('hi')",
		"pkg/helper.py": "def helper(): pass",
	})
	destDir := t.TempDir()

	skipped, err := Extract(zipPath, destDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped entries, got %v", skipped)
	}

	data, err := os.ReadFile(filepath.Join(destDir, "main.py"))
	if err != nil {
		t.Fatalf("read main.py: %v", err)
	}
	if string(data) != "print('hi')" {
		t.Fatalf("unexpected content: %q", data)
	}

	if _, err := os.Stat(filepath.Join(destDir, "pkg", "helper.py")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
}

func TestExtract_RejectsZipSlip(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"../../etc/passwd": "pwned",
		"safe.txt":         "ok",
	})
	destDir := t.TempDir()

	skipped, err := Extract(zipPath, destDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "../../etc/passwd" {
		t.Fatalf("expected traversal entry to be skipped, got %v", skipped)
	}

	if _, err := os.Stat(filepath.Join(destDir, "safe.txt")); err != nil {
		t.Fatalf("safe entry should still be extracted: %v", err)
	}

	escaped := filepath.Join(filepath.Dir(filepath.Dir(destDir)), "etc", "passwd")
	if _, err := os.Stat(escaped); err == nil {
		t.Fatal("traversal entry should not have been written outside destDir")
	}
}

func TestExtract_RejectsSymlink(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{Name: "link"}
	hdr.SetMode(os.ModeSymlink | 0o777)
	fw, err := w.CreateHeader(hdr)
	if err != nil {
		t.Fatalf("create symlink header: %v", err)
	}
	if _, err := fw.Write([]byte("/etc/passwd")); err != nil {
		t.Fatalf("write symlink target: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	zipPath := filepath.Join(t.TempDir(), "symlink.zip")
	if err := os.WriteFile(zipPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip file: %v", err)
	}

	destDir := t.TempDir()
	skipped, err := Extract(zipPath, destDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "link" {
		t.Fatalf("expected symlink entry to be skipped, got %v", skipped)
	}

	if _, err := os.Lstat(filepath.Join(destDir, "link")); err == nil {
		t.Fatal("symlink entry should not have been materialized")
	}
}
