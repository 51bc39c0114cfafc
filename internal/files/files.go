// Package files implements the filesystem operations behind the HTTP API:
// listing, download, folder creation, and capped streaming uploads. All
// client paths pass through the confinement resolver before touching disk.
package files

import (
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hoardfs/hoard/internal/pathsafe"
	"github.com/hoardfs/hoard/internal/protocol"
)

const uploadChunkSize = 64 * 1024

// Service performs confined filesystem operations under a single root.
type Service struct {
	resolver      *pathsafe.Resolver
	maxUploadSize int64
}

// NewService creates a Service. maxUploadSize caps uploads in bytes.
func NewService(resolver *pathsafe.Resolver, maxUploadSize int64) *Service {
	return &Service{resolver: resolver, maxUploadSize: maxUploadSize}
}

// Resolver returns the confinement resolver the service operates with.
func (s *Service) Resolver() *pathsafe.Resolver { return s.resolver }

// List enumerates the immediate children of the directory at relPath.
// Entries whose metadata cannot be read are skipped rather than failing the
// listing. search filters by case-insensitive substring on the name; sortBy
// is "name" (directories first), "size" (descending) or "modified"
// (descending).
func (s *Service) List(relPath, sortBy, search string) ([]protocol.FileInfo, error) {
	dir, err := s.resolver.Resolve(relPath)
	if err != nil {
		return nil, classify(err, "directory")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, classify(err, "directory")
	}
	if !info.IsDir() {
		return nil, newError(KindNotADirectory, "path is not a directory")
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(err, "directory")
	}

	base := pathsafe.Clean(relPath)
	items := make([]protocol.FileInfo, 0, len(dirents))
	for _, de := range dirents {
		fi, err := de.Info()
		if err != nil {
			continue // skip entries we can't stat
		}
		name := de.Name()
		if search != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(search)) {
			continue
		}
		item := protocol.FileInfo{
			Name:         name,
			Path:         path.Join(base, name),
			IsDirectory:  fi.IsDir(),
			ModifiedTime: fi.ModTime().Format(time.RFC3339),
		}
		if fi.IsDir() {
			item.FileType = "folder"
		} else {
			size := fi.Size()
			item.Size = &size
			item.FileType = fileType(name)
		}
		items = append(items, item)
	}

	sortEntries(items, sortBy)
	return items, nil
}

func sortEntries(items []protocol.FileInfo, sortBy string) {
	switch sortBy {
	case "size":
		sort.SliceStable(items, func(i, j int) bool {
			return entrySize(items[i]) > entrySize(items[j])
		})
	case "modified":
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].ModifiedTime > items[j].ModifiedTime
		})
	default: // name: directories first, case-insensitive
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].IsDirectory != items[j].IsDirectory {
				return items[i].IsDirectory
			}
			return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
		})
	}
}

func entrySize(fi protocol.FileInfo) int64 {
	if fi.Size == nil {
		return 0 // directories sort as empty
	}
	return *fi.Size
}

// fileType buckets an entry by its extension-inferred MIME type.
func fileType(name string) string {
	mt := mime.TypeByExtension(filepath.Ext(name))
	switch {
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case mt == "application/pdf",
		mt == "application/msword",
		mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "document"
	default:
		return "other"
	}
}

// Open resolves relPath and opens it for reading. The target must be an
// existing regular file. The caller owns the returned handle.
func (s *Service) Open(relPath string) (*os.File, os.FileInfo, error) {
	abs, err := s.resolver.Resolve(relPath)
	if err != nil {
		return nil, nil, classify(err, "file")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, nil, classify(err, "file")
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		return nil, nil, newError(KindNotAFile, "path is not a file")
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, classify(err, "file")
	}
	return f, info, nil
}

// CreateFolder creates a single new directory named name under parentRel.
// The name is validated before any filesystem mutation; an existing
// destination is a conflict.
func (s *Service) CreateFolder(parentRel, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", newError(KindBadName, "invalid folder name")
	}
	if strings.ContainsAny(name, "/\\") {
		return "", newError(KindBadName, "folder name must not contain path separators")
	}

	parent, err := s.resolver.Resolve(parentRel)
	if err != nil {
		return "", classify(err, "parent directory")
	}
	info, err := os.Stat(parent)
	if err != nil {
		return "", classify(err, "parent directory")
	}
	if !info.IsDir() {
		return "", newError(KindNotADirectory, "parent is not a directory")
	}

	dst, err := s.resolver.ResolveChild(parent, name)
	if err != nil {
		return "", classify(err, "folder")
	}
	if err := os.Mkdir(dst, 0o755); err != nil {
		return "", classify(err, "folder")
	}
	return path.Join(pathsafe.Clean(parentRel), name), nil
}

// Upload streams body into a new file named filename under parentRel. The
// filename is reduced to its base component; the destination is created
// exclusively (an existing file is a conflict, never overwritten). The body
// is written in bounded chunks with an incremental size check: exceeding the
// cap removes the partial file and fails with KindTooLarge. No partial file
// survives any failure path.
func (s *Service) Upload(parentRel, filename string, body io.Reader) (string, int64, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		return "", 0, newError(KindBadName, "invalid filename")
	}

	parent, err := s.resolver.Resolve(parentRel)
	if err != nil {
		return "", 0, classify(err, "directory")
	}
	info, err := os.Stat(parent)
	if err != nil {
		return "", 0, classify(err, "directory")
	}
	if !info.IsDir() {
		return "", 0, newError(KindNotADirectory, "upload target is not a directory")
	}

	dst, err := s.resolver.ResolveChild(parent, name)
	if err != nil {
		return "", 0, classify(err, "file")
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", 0, newError(KindConflict, "file already exists: "+name)
		}
		return "", 0, classify(err, "file")
	}

	written, err := s.copyCapped(f, body)
	if err != nil {
		f.Close()
		os.Remove(dst)
		return "", written, classify(err, "upload")
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", written, classify(err, "upload")
	}

	return path.Join(pathsafe.Clean(parentRel), name), written, nil
}

func (s *Service) copyCapped(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, uploadChunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if written+int64(n) > s.maxUploadSize {
				return written, newError(KindTooLarge, "upload exceeds maximum size")
			}
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// sanitizeFilename reduces a client-supplied filename to its base component,
// accepting both separator styles. Empty and traversal names map to "".
func sanitizeFilename(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
