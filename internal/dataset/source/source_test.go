package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLocalOpen(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "telemetry/2021_03_05/log_service.csv", "timestamp,log_id\n1,a\n")

	l := NewLocal(root)
	rc, err := l.Open(context.Background(), "telemetry/2021_03_05/log_service.csv")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "timestamp,log_id\n1,a\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestLocalOpenMissing(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.Open(context.Background(), "telemetry/absent.csv")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func TestLocalListSorted(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "telemetry/2021_03_06/metric_app.csv", "x")
	writeFixture(t, root, "telemetry/2021_03_05/metric_app.csv", "x")
	writeFixture(t, root, "telemetry/2021_03_05/log_service.csv", "x")

	l := NewLocal(root)
	names, err := l.List(context.Background(), "telemetry")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"telemetry/2021_03_05/log_service.csv",
		"telemetry/2021_03_05/metric_app.csv",
		"telemetry/2021_03_06/metric_app.csv",
	}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestLocalListMissingPrefixEmpty(t *testing.T) {
	l := NewLocal(t.TempDir())
	names, err := l.List(context.Background(), "nope")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want empty", names)
	}
}

func TestListDirs(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "telemetry/2021_03_06/a.csv", "x")
	writeFixture(t, root, "telemetry/2021_03_05/a.csv", "x")
	writeFixture(t, root, "telemetry/top_level.csv", "x")

	dirs, err := ListDirs(context.Background(), NewLocal(root), "telemetry")
	if err != nil {
		t.Fatalf("ListDirs: %v", err)
	}
	if len(dirs) != 2 || dirs[0] != "2021_03_05" || dirs[1] != "2021_03_06" {
		t.Fatalf("dirs = %v", dirs)
	}
}
