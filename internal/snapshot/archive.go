package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrSourceNotFound = errors.New("snapshot: workspace folder not found")
	ErrUnsafePath     = errors.New("snapshot: unsafe archive path")
	ErrNoArchive      = errors.New("snapshot: no archive")
)

var epoch = time.Unix(0, 0)

// Archive describes one packed workspace.
type Archive struct {
	// Version is the hex sha256 of the archive bytes.
	Version    string `json:"version"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Stamp      int64  `json:"stamp"`
	TaskFolder string `json:"task_folder"`
}

func (a Archive) IsZero() bool {
	return a.Version == ""
}

// Packager owns the archive file at one path.
type Packager struct {
	path string

	mu      sync.Mutex
	current Archive
}

func NewPackager(archivePath string) *Packager {
	return &Packager{path: archivePath}
}

func (p *Packager) Path() string { return p.path }

// Current returns the archive last packed or adopted.
func (p *Packager) Current() Archive {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Pack archives baseFolder/taskFolder rooted at taskFolder/. Output is
// deterministic for identical trees. When the result matches the current
// archive and the file on disk still has its recorded size, the current
// archive is kept with the new stamp and reused=true.
func (p *Packager) Pack(baseFolder, taskFolder string, stamp int64) (archive Archive, reused bool, err error) {
	folder, err := cleanTaskFolder(taskFolder)
	if err != nil {
		return Archive{}, false, err
	}
	root := filepath.Join(baseFolder, filepath.FromSlash(folder))
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return Archive{}, false, fmt.Errorf("%w: %s", ErrSourceNotFound, root)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Archive{}, false, err
	}
	tmp, err := os.CreateTemp(dir, ".pack-*")
	if err != nil {
		return Archive{}, false, err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	sum := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, sum))
	tw := tar.NewWriter(gz)
	if err := writeTree(tw, root, folder); err != nil {
		return Archive{}, false, err
	}
	if err := tw.Close(); err != nil {
		return Archive{}, false, err
	}
	if err := gz.Close(); err != nil {
		return Archive{}, false, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return Archive{}, false, err
	}
	if err := tmp.Close(); err != nil {
		return Archive{}, false, err
	}
	version := hex.EncodeToString(sum.Sum(nil))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Version == version && fileSize(p.path) == p.current.Size {
		p.current.Stamp = stamp
		return p.current, true, nil
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return Archive{}, false, err
	}
	tmp = nil
	p.current = Archive{Version: version, Path: p.path, Size: size, Stamp: stamp, TaskFolder: folder}
	return p.current, false, nil
}

// Adopt installs a verified archive file received from a peer.
func (p *Packager) Adopt(src string, a Archive) (Archive, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return Archive{}, err
	}
	if err := os.Rename(src, p.path); err != nil {
		return Archive{}, err
	}
	a.Path = p.path
	p.current = a
	return a, nil
}

// Holds reports whether the current archive has version and size on disk.
func (p *Packager) Holds(version string, size int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Version != "" && p.current.Version == version &&
		p.current.Size == size && fileSize(p.path) == size
}

func writeTree(tw *tar.Writer, root, folder string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(folder, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  epoch,
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  epoch,
			}); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		default:
			// symlinks, sockets and devices stay local
			return nil
		}
	})
}

// Extract unpacks the archive at archivePath into destBase, replacing
// destBase/taskFolder. Entries outside taskFolder are rejected.
func Extract(archivePath, destBase, taskFolder string) error {
	folder, err := cleanTaskFolder(taskFolder)
	if err != nil {
		return err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	if err := os.MkdirAll(destBase, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(destBase, ".extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		name, err := safeEntryName(hdr.Name, folder)
		if err != nil {
			return err
		}
		target := filepath.Join(staging, filepath.FromSlash(name))
		mode := os.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry %q type %c", ErrUnsafePath, hdr.Name, hdr.Typeflag)
		}
	}

	final := filepath.Join(destBase, filepath.FromSlash(folder))
	staged := filepath.Join(staging, filepath.FromSlash(folder))
	if err := os.MkdirAll(staged, 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	return os.Rename(staged, final)
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func safeEntryName(raw, folder string) (string, error) {
	if strings.Contains(raw, `\`) || path.IsAbs(raw) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, raw)
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, raw)
		}
	}
	name := path.Clean(raw)
	if name != folder && !strings.HasPrefix(name, folder+"/") {
		return "", fmt.Errorf("%w: %q outside %q", ErrUnsafePath, raw, folder)
	}
	return name, nil
}

func cleanTaskFolder(taskFolder string) (string, error) {
	raw := filepath.ToSlash(strings.TrimSpace(taskFolder))
	if raw == "" || path.IsAbs(raw) {
		return "", fmt.Errorf("%w: task folder %q", ErrUnsafePath, taskFolder)
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: task folder %q", ErrUnsafePath, taskFolder)
		}
	}
	clean := path.Clean(raw)
	if clean == "." {
		return "", fmt.Errorf("%w: task folder %q", ErrUnsafePath, taskFolder)
	}
	return clean, nil
}

func fileSize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil {
		return -1
	}
	return info.Size()
}
