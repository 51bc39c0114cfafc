package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hoardfs/hoard/internal/auth"
	"github.com/hoardfs/hoard/internal/config"
	"github.com/hoardfs/hoard/internal/files"
	"github.com/hoardfs/hoard/internal/pathsafe"
	"github.com/hoardfs/hoard/internal/protocol"
)

const testPassword = "correct-horse"

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		RootDirectory:  root,
		JWTSecret:      "test-secret",
		AccessPassword: testPassword,
		SessionTTL:     time.Hour,
		StreamTokenTTL: 30 * time.Second,
		MaxUploadSize:  1 << 20,
	}

	resolver, err := pathsafe.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	authSvc := auth.NewService(cfg.JWTSecret, cfg.AccessPassword, cfg.SessionTTL, cfg.StreamTokenTTL)
	fileSvc := files.NewService(resolver, cfg.MaxUploadSize)

	srv := httptest.NewServer(NewServer(cfg, authSvc, nil, fileSvc).Handler())
	t.Cleanup(srv.Close)
	return srv, resolver.Root()
}

func login(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(protocol.LoginRequest{Password: testPassword})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var lr protocol.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatal(err)
	}
	return lr.Token
}

func doAuthed(t *testing.T, method, rawURL, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(protocol.LoginRequest{Password: "wrong"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", resp.StatusCode)
	}

	if token := login(t, srv); token == "" {
		t.Fatal("empty token")
	}
}

func TestProtectedEndpointsRequireSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/files/list")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}
}

func TestFileLifecycle(t *testing.T) {
	srv, root := newTestServer(t)
	token := login(t, srv)

	// Create a folder.
	body, _ := json.Marshal(protocol.CreateFolderRequest{Name: "music"})
	resp := doAuthed(t, http.MethodPost, srv.URL+"/api/files/create-folder", token, bytes.NewReader(body), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create-folder status = %d", resp.StatusCode)
	}

	// Upload into it.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "song.mp3")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("not-really-audio"))
	mw.Close()

	resp = doAuthed(t, http.MethodPost, srv.URL+"/api/files/upload?path=music", token, &buf, mw.FormDataContentType())
	var ur protocol.UploadResponse
	json.NewDecoder(resp.Body).Decode(&ur)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if ur.Path != "music/song.mp3" || ur.Size != int64(len("not-really-audio")) {
		t.Fatalf("upload response = %+v", ur)
	}
	if _, err := os.Stat(filepath.Join(root, "music", "song.mp3")); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}

	// List shows it.
	resp = doAuthed(t, http.MethodGet, srv.URL+"/api/files/list?path=music", token, nil, "")
	var listing protocol.DirectoryListing
	json.NewDecoder(resp.Body).Decode(&listing)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || listing.Total != 1 || listing.Items[0].Name != "song.mp3" {
		t.Fatalf("listing = %+v (status %d)", listing, resp.StatusCode)
	}
	if listing.Items[0].FileType != "audio" {
		t.Fatalf("file type = %q", listing.Items[0].FileType)
	}

	// Download returns the exact bytes.
	resp = doAuthed(t, http.MethodGet, srv.URL+"/api/files/download?path=music/song.mp3", token, nil, "")
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(data) != "not-really-audio" {
		t.Fatalf("download = %q (status %d)", data, resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "song.mp3") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
}

func TestUploadOverCapRejected(t *testing.T) {
	srv, root := newTestServer(t)
	token := login(t, srv)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "big.bin")
	fw.Write(bytes.Repeat([]byte("x"), (1<<20)+1))
	mw.Close()

	// Chunked transfer, so the cap is enforced by the incremental check
	// during the copy rather than the Content-Length precheck.
	resp := doAuthed(t, http.MethodPost, srv.URL+"/api/files/upload", token, io.MultiReader(&buf), mw.FormDataContentType())
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("over-cap upload status = %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(root, "big.bin")); !os.IsNotExist(err) {
		t.Fatalf("partial file left: %v", err)
	}
}

func TestStreamTokenMint(t *testing.T) {
	srv, root := newTestServer(t)
	token := login(t, srv)

	if err := os.WriteFile(filepath.Join(root, "a.mp3"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Missing target is 404, no token minted.
	resp := doAuthed(t, http.MethodGet, srv.URL+"/api/stream/token?path=missing.mp3", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing target status = %d", resp.StatusCode)
	}

	resp = doAuthed(t, http.MethodGet, srv.URL+"/api/stream/token?path=/a.mp3", token, nil, "")
	var str protocol.StreamTokenResponse
	json.NewDecoder(resp.Body).Decode(&str)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || str.Token == "" {
		t.Fatalf("mint status = %d resp = %+v", resp.StatusCode, str)
	}
	if str.Path != "a.mp3" || str.ExpiresIn != 30 {
		t.Fatalf("token response = %+v", str)
	}

	// Stream tokens cannot reach general endpoints.
	resp = doAuthed(t, http.MethodGet, srv.URL+"/api/files/list", str.Token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stream token on list status = %d", resp.StatusCode)
	}
}

func TestStreamAudio(t *testing.T) {
	srv, root := newTestServer(t)
	token := login(t, srv)

	content := []byte("0123456789abcdefghij")
	if err := os.WriteFile(filepath.Join(root, "a.mp3"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.mp3"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	resp := doAuthed(t, http.MethodGet, srv.URL+"/api/stream/token?path=a.mp3", token, nil, "")
	var str protocol.StreamTokenResponse
	json.NewDecoder(resp.Body).Decode(&str)
	resp.Body.Close()

	// Token travels in the query string, the way a media element sends it.
	streamURL := srv.URL + "/api/stream/audio?path=a.mp3&token=" + url.QueryEscape(str.Token)
	resp, err := http.Get(streamURL)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(data, content) {
		t.Fatalf("full stream status = %d body = %q", resp.StatusCode, data)
	}
	if ar := resp.Header.Get("Accept-Ranges"); ar != "bytes" {
		t.Fatalf("Accept-Ranges = %q", ar)
	}

	// Range request gets a 206 with the slice.
	req, _ := http.NewRequest(http.MethodGet, streamURL, nil)
	req.Header.Set("Range", "bytes=5-9")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent || string(data) != "56789" {
		t.Fatalf("range stream status = %d body = %q", resp.StatusCode, data)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 5-9/20" {
		t.Fatalf("Content-Range = %q", cr)
	}

	// The same token on another path is a scope failure.
	resp, err = http.Get(srv.URL + "/api/stream/audio?path=b.mp3&token=" + url.QueryEscape(str.Token))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong-path stream status = %d", resp.StatusCode)
	}

	// A session token streams any path.
	resp, err = http.Get(srv.URL + "/api/stream/audio?path=b.mp3&token=" + url.QueryEscape(token))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session stream status = %d", resp.StatusCode)
	}

	// No token at all.
	resp, err = http.Get(srv.URL + "/api/stream/audio?path=a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stream status = %d", resp.StatusCode)
	}
}

func TestCreateFolderConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	body, _ := json.Marshal(protocol.CreateFolderRequest{Name: "docs"})
	resp := doAuthed(t, http.MethodPost, srv.URL+"/api/files/create-folder", token, bytes.NewReader(body), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d", resp.StatusCode)
	}

	body, _ = json.Marshal(protocol.CreateFolderRequest{Name: "docs"})
	resp = doAuthed(t, http.MethodPost, srv.URL+"/api/files/create-folder", token, bytes.NewReader(body), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}
}
