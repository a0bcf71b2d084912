package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/taskmesh/internal/testutil/testlog"
	"github.com/danmuck/taskmesh/internal/testutil/workertest"
)

func TestPackIsDeterministic(t *testing.T) {
	testlog.Start(t)

	base := workertest.Workspace(t)
	a := NewPackager(filepath.Join(t.TempDir(), "a.tar.gz"))
	b := NewPackager(filepath.Join(t.TempDir(), "b.tar.gz"))

	first, reused, err := a.Pack(base, "tasks", 1)
	if err != nil {
		t.Fatalf("pack a: %v", err)
	}
	if reused {
		t.Fatalf("first pack reported reuse")
	}
	second, _, err := b.Pack(base, "tasks", 2)
	if err != nil {
		t.Fatalf("pack b: %v", err)
	}
	if first.Version != second.Version || first.Size != second.Size {
		t.Fatalf("identical trees packed differently: %+v vs %+v", first, second)
	}
	digest, size, err := fileDigest(first.Path)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest != first.Version || size != first.Size {
		t.Fatalf("archive on disk %s/%d does not match %s/%d", digest, size, first.Version, first.Size)
	}
}

func TestPackReusesUnchangedArchive(t *testing.T) {
	testlog.Start(t)

	base := workertest.Workspace(t)
	p := NewPackager(filepath.Join(t.TempDir(), "snap", "tasks.tar.gz"))
	first, _, err := p.Pack(base, "tasks", 100)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	again, reused, err := p.Pack(base, "tasks", 200)
	if err != nil {
		t.Fatalf("repack: %v", err)
	}
	if !reused || again.Version != first.Version || again.Size != first.Size {
		t.Fatalf("expected reuse of first archive, got reused=%v %+v", reused, again)
	}
	if again.Stamp != 200 || p.Current().Stamp != 200 {
		t.Fatalf("reused archive kept stale stamp: returned %d, current %d", again.Stamp, p.Current().Stamp)
	}

	entries, err := os.ReadDir(filepath.Dir(p.Path()))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}

	if err := os.Truncate(p.Path(), 10); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	repaired, reused, err := p.Pack(base, "tasks", 300)
	if err != nil {
		t.Fatalf("repack after truncate: %v", err)
	}
	if reused || repaired.Stamp != 300 || repaired.Size != first.Size {
		t.Fatalf("damaged archive not regenerated: reused=%v %+v", reused, repaired)
	}

	workertest.AddTask(t, base, "tasks", "zz-new")
	changed, reused, err := p.Pack(base, "tasks", 400)
	if err != nil {
		t.Fatalf("pack changed tree: %v", err)
	}
	if reused || changed.Version == first.Version {
		t.Fatalf("changed tree reused old archive")
	}
}

func TestPackMissingSource(t *testing.T) {
	testlog.Start(t)

	p := NewPackager(filepath.Join(t.TempDir(), "x.tar.gz"))
	if _, _, err := p.Pack(t.TempDir(), "nope", 1); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if _, _, err := p.Pack(t.TempDir(), "../escape", 1); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

func TestExtractRoundTrip(t *testing.T) {
	testlog.Start(t)

	base := workertest.Workspace(t)
	script := filepath.Join(base, "tasks", "ping", "run")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	p := NewPackager(filepath.Join(t.TempDir(), "tasks.tar.gz"))
	archive, _, err := p.Pack(base, "tasks", 1)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	dest := t.TempDir()
	stale := filepath.Join(dest, "tasks", "removed-task")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}
	if err := Extract(archive.Path, dest, "tasks"); err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, id := range workertest.FixtureTasks {
		want, _ := os.ReadFile(filepath.Join(base, "tasks", id, "index.js"))
		got, err := os.ReadFile(filepath.Join(dest, "tasks", id, "index.js"))
		if err != nil {
			t.Fatalf("read extracted %s: %v", id, err)
		}
		if string(got) != string(want) {
			t.Fatalf("%s content differs", id)
		}
	}
	info, err := os.Stat(filepath.Join(dest, "tasks", "ping", "run"))
	if err != nil {
		t.Fatalf("stat run: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("exec bit lost: %v", info.Mode())
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale task folder survived extraction")
	}
	if _, err := os.Stat(filepath.Join(dest, "tasks", ".cache")); err != nil {
		t.Fatalf("hidden folder not replicated: %v", err)
	}
}

func writeRawArchive(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		body := []byte("x")
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("header: %v", err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatalf("body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return path
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	testlog.Start(t)

	cases := map[string][]string{
		"parent":   {"tasks/../../evil"},
		"absolute": {"/etc/evil"},
		"outside":  {"other/file"},
	}
	for name, entries := range cases {
		archive := writeRawArchive(t, entries...)
		dest := t.TempDir()
		if err := Extract(archive, dest, "tasks"); !errors.Is(err, ErrUnsafePath) {
			t.Fatalf("%s: expected ErrUnsafePath, got %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(dest, "tasks")); !os.IsNotExist(err) {
			t.Fatalf("%s: rejected archive touched the workspace", name)
		}
	}

	ok := writeRawArchive(t, "tasks/a/index.js")
	if err := Extract(ok, t.TempDir(), "tasks"); err != nil {
		t.Fatalf("safe archive rejected: %v", err)
	}
}

// fileDigest returns the hex sha256 and size of the file at p.
func fileDigest(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	sum := sha256.New()
	n, err := io.Copy(sum, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}
