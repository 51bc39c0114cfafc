package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hoardfs/hoard/internal/pathsafe"
)

func newTestService(t *testing.T, maxUpload int64) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	resolver, err := pathsafe.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(resolver, maxUpload), resolver.Root()
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	fe, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *files.Error, got %T: %v", err, err)
	}
	return fe.Kind
}

func TestListSortBySizeDescending(t *testing.T) {
	svc, root := newTestService(t, 1<<20)
	if err := os.WriteFile(filepath.Join(root, "a.bin"), make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	items, err := svc.List("", "size", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	// The file (size 10) sorts before the directory (no size, treated as 0).
	if items[0].Name != "a.bin" || items[1].Name != "sub" {
		t.Fatalf("order = %s, %s", items[0].Name, items[1].Name)
	}
}

func TestListSortByNameDirectoriesFirst(t *testing.T) {
	svc, root := newTestService(t, 1<<20)
	for _, f := range []string{"Beta.txt", "alpha.txt"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(root, "zzz"), 0o755); err != nil {
		t.Fatal(err)
	}

	items, err := svc.List("", "name", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := []string{items[0].Name, items[1].Name, items[2].Name}
	want := []string{"zzz", "alpha.txt", "Beta.txt"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestListSortByModifiedDescending(t *testing.T) {
	svc, root := newTestService(t, 1<<20)
	old := filepath.Join(root, "old.txt")
	recent := filepath.Join(root, "new.txt")
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(recent, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	items, err := svc.List("", "modified", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if items[0].Name != "new.txt" {
		t.Fatalf("expected new.txt first, got %s", items[0].Name)
	}
}

func TestListSearchFilter(t *testing.T) {
	svc, root := newTestService(t, 1<<20)
	for _, f := range []string{"Holiday.mp3", "work.doc"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	items, err := svc.List("", "name", "holi")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Holiday.mp3" {
		t.Fatalf("search result = %+v", items)
	}
}

func TestListErrors(t *testing.T) {
	svc, root := newTestService(t, 1<<20)
	if _, err := svc.List("missing", "name", ""); kindOf(t, err) != KindNotFound {
		t.Fatalf("missing dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.List("f.txt", "name", ""); kindOf(t, err) != KindNotADirectory {
		t.Fatalf("file as dir: %v", err)
	}
}

func TestOpen(t *testing.T) {
	svc, root := newTestService(t, 1<<20)
	if err := os.WriteFile(filepath.Join(root, "song.mp3"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	f, info, err := svc.Open("song.mp3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Close()
	if info.Size() != 3 {
		t.Fatalf("size = %d", info.Size())
	}

	if _, _, err := svc.Open("dir"); kindOf(t, err) != KindNotAFile {
		t.Fatalf("dir as file: %v", err)
	}
	if _, _, err := svc.Open("nope.mp3"); kindOf(t, err) != KindNotFound {
		t.Fatalf("missing file: %v", err)
	}
	if _, _, err := svc.Open("../../etc/passwd"); err != nil {
		// lexical cleaning keeps this inside the root; missing is fine,
		// escape would be KindAccessDenied
		k := kindOf(t, err)
		if k != KindNotFound && k != KindAccessDenied {
			t.Fatalf("traversal open: %v", err)
		}
	}
}

func TestCreateFolder(t *testing.T) {
	svc, root := newTestService(t, 1<<20)

	rel, err := svc.CreateFolder("", "music")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if rel != "music" {
		t.Fatalf("rel = %q", rel)
	}
	if info, err := os.Stat(filepath.Join(root, "music")); err != nil || !info.IsDir() {
		t.Fatalf("folder not created: %v", err)
	}

	if _, err := svc.CreateFolder("", "music"); kindOf(t, err) != KindConflict {
		t.Fatalf("duplicate folder: %v", err)
	}
}

func TestCreateFolderRejectsBadNamesBeforeMutation(t *testing.T) {
	svc, root := newTestService(t, 1<<20)

	for _, name := range []string{"", ".", "..", "a/b", "a\\b"} {
		if _, err := svc.CreateFolder("", name); kindOf(t, err) != KindBadName {
			t.Fatalf("name %q: %v", name, err)
		}
	}

	// Nothing was created.
	dirents, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirents) != 0 {
		t.Fatalf("root mutated: %v", dirents)
	}
}

func TestUpload(t *testing.T) {
	svc, root := newTestService(t, 1<<20)

	rel, n, err := svc.Upload("", "track.mp3", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rel != "track.mp3" || n != int64(len("audio-bytes")) {
		t.Fatalf("rel=%q n=%d", rel, n)
	}
	data, err := os.ReadFile(filepath.Join(root, "track.mp3"))
	if err != nil || string(data) != "audio-bytes" {
		t.Fatalf("content = %q err=%v", data, err)
	}

	// No overwrite: second upload to the same name conflicts.
	if _, _, err := svc.Upload("", "track.mp3", strings.NewReader("x")); kindOf(t, err) != KindConflict {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestUploadSanitizesFilename(t *testing.T) {
	svc, root := newTestService(t, 1<<20)

	rel, _, err := svc.Upload("", "..\\..\\evil.bin", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rel != "evil.bin" {
		t.Fatalf("rel = %q", rel)
	}
	if _, err := os.Stat(filepath.Join(root, "evil.bin")); err != nil {
		t.Fatalf("sanitized file missing: %v", err)
	}

	for _, bad := range []string{"", ".", "..", "/"} {
		if _, _, err := svc.Upload("", bad, strings.NewReader("x")); kindOf(t, err) != KindBadName {
			t.Fatalf("filename %q: %v", bad, err)
		}
	}
}

func TestUploadCapLeavesNoPartialFile(t *testing.T) {
	const maxBytes = 1024
	svc, root := newTestService(t, maxBytes)

	payload := strings.Repeat("x", maxBytes+1) // one byte over
	_, _, err := svc.Upload("", "big.bin", strings.NewReader(payload))
	if kindOf(t, err) != KindTooLarge {
		t.Fatalf("expected KindTooLarge, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "big.bin")); !os.IsNotExist(err) {
		t.Fatalf("partial file left on disk: %v", err)
	}

	// Exactly at the cap succeeds.
	if _, n, err := svc.Upload("", "ok.bin", strings.NewReader(strings.Repeat("x", maxBytes))); err != nil || n != maxBytes {
		t.Fatalf("at-cap upload: n=%d err=%v", n, err)
	}
}
