// Package api implements the HTTP server and its route handlers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hoardfs/hoard/internal/auth"
	"github.com/hoardfs/hoard/internal/config"
	"github.com/hoardfs/hoard/internal/files"
	"github.com/hoardfs/hoard/internal/logging"
	"github.com/hoardfs/hoard/internal/metrics"
	"github.com/hoardfs/hoard/internal/pathsafe"
	"github.com/hoardfs/hoard/internal/protocol"
	"github.com/hoardfs/hoard/internal/stream"
)

// Server wires the auth, passkey, and file services to HTTP routes.
type Server struct {
	cfg      *config.Config
	auth     *auth.Service
	passkeys *auth.PasskeyService // nil when no database is configured
	files    *files.Service
}

// NewServer creates the API server. passkeys may be nil, which disables the
// passkey routes entirely.
func NewServer(cfg *config.Config, authSvc *auth.Service, passkeys *auth.PasskeyService, fileSvc *files.Service) *Server {
	return &Server{cfg: cfg, auth: authSvc, passkeys: passkeys, files: fileSvc}
}

// Handler builds the route table and wraps it in the logging and metrics
// middleware. Streaming endpoints do their own token handling because media
// elements deliver the token in the query string, not a header.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protected := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(h)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.auth.HandleLogin)

	mux.Handle("GET /api/files/list", protected(s.handleList))
	mux.Handle("GET /api/files/download", protected(s.handleDownload))
	mux.Handle("POST /api/files/create-folder", protected(s.handleCreateFolder))
	mux.Handle("POST /api/files/upload", protected(s.handleUpload))

	mux.Handle("GET /api/stream/token", protected(s.handleStreamToken))
	mux.Handle("POST /api/stream/token", protected(s.handleStreamToken))
	mux.HandleFunc("GET /api/stream/audio", s.handleStreamAudio)
	mux.HandleFunc("GET /api/stream/video", s.handleStreamVideo)

	if s.passkeys != nil {
		mux.HandleFunc("POST /api/auth/passkey/login/begin", s.passkeys.HandleBeginLogin)
		mux.HandleFunc("POST /api/auth/passkey/login/finish", s.passkeys.HandleFinishLogin)
		mux.Handle("POST /api/auth/passkey/register/begin", protected(s.passkeys.HandleBeginRegistration))
		mux.Handle("POST /api/auth/passkey/register/finish", protected(s.passkeys.HandleFinishRegistration))
		mux.Handle("GET /api/auth/passkey/credentials", protected(s.passkeys.HandleListCredentials))
		mux.Handle("DELETE /api/auth/passkey/credentials/{id}", protected(s.passkeys.HandleDeleteCredential))
	}

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	relPath := q.Get("path")
	sortBy := q.Get("sort_by")
	if sortBy == "" {
		sortBy = "name"
	}

	items, err := s.files.List(relPath, sortBy, q.Get("search"))
	if err != nil {
		s.sendFileError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.DirectoryListing{
		Path:  pathsafe.Clean(relPath),
		Items: items,
		Total: len(items),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	f, info, err := s.files.Open(relPath)
	if err != nil {
		s.sendFileError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	n, err := io.Copy(w, f)
	metrics.RecordDownload(n)
	if err != nil {
		logging.Debug("download aborted",
			zap.String("request_id", logging.RequestID(r.Context())),
			zap.String("path", relPath),
			zap.Error(err))
	}
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	var req protocol.CreateFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rel, err := s.files.CreateFolder(parent, req.Name)
	if err != nil {
		s.sendFileError(w, r, err)
		return
	}

	logging.Info("folder created", zap.String("path", rel))
	writeJSON(w, http.StatusCreated, protocol.CreateFolderResponse{Path: rel})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.cfg.MaxUploadSize {
		metrics.RecordUpload(0, false)
		sendError(w, http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
		return
	}

	parent := r.URL.Query().Get("path")
	mr, err := r.MultipartReader()
	if err != nil {
		metrics.RecordUpload(0, false)
		sendError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.RecordUpload(0, false)
			sendError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		rel, n, err := s.files.Upload(parent, part.FileName(), part)
		part.Close()
		metrics.RecordUpload(n, err == nil)
		if err != nil {
			s.sendFileError(w, r, err)
			return
		}

		logging.Info("upload completed", zap.String("path", rel), zap.Int64("size", n))
		writeJSON(w, http.StatusCreated, protocol.UploadResponse{Path: rel, Size: n})
		return
	}

	metrics.RecordUpload(0, false)
	sendError(w, http.StatusBadRequest, "missing file field")
}

// handleStreamToken mints a short-lived token scoped to one existing file.
// Requires a session token; stream tokens cannot mint further tokens.
func (s *Server) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		sendError(w, http.StatusBadRequest, "missing path parameter")
		return
	}

	// The target must exist and be a file before a token is minted, so a
	// stolen token can never be pre-minted for a future upload.
	f, _, err := s.files.Open(relPath)
	if err != nil {
		s.sendFileError(w, r, err)
		return
	}
	f.Close()

	token, _, err := s.auth.IssueStream(relPath)
	if err != nil {
		logging.Error("failed to sign stream token", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordStreamTokenIssued()
	writeJSON(w, http.StatusOK, protocol.StreamTokenResponse{
		Token:     token,
		Path:      pathsafe.Clean(relPath),
		ExpiresIn: int64(s.auth.StreamTTL().Seconds()),
	})
}

func (s *Server) handleStreamAudio(w http.ResponseWriter, r *http.Request) {
	s.handleStream(w, r, "audio", stream.AudioChunkSize, "audio/mpeg")
}

func (s *Server) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	s.handleStream(w, r, "video", stream.VideoChunkSize, "video/mp4")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, family string, chunkSize int64, fallbackType string) {
	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		sendError(w, http.StatusBadRequest, "missing path parameter")
		return
	}

	tokenStr := auth.ExtractToken(r)
	if tokenStr == "" {
		metrics.RecordAuthAttempt("token", false)
		sendError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	if _, err := s.auth.AuthorizeStream(tokenStr, relPath); err != nil {
		metrics.RecordAuthAttempt("token", false)
		if errors.Is(err, auth.ErrWrongScope) {
			sendError(w, http.StatusForbidden, "token does not authorize this path")
			return
		}
		sendError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	f, info, err := s.files.Open(relPath)
	if err != nil {
		s.sendFileError(w, r, err)
		return
	}
	defer f.Close()

	plan := stream.PlanRange(info.Size(), r.Header.Get("Range"))
	w.Header().Set("Content-Type", stream.MediaType(relPath, family, fallbackType))
	plan.WriteHeaders(w.Header(), info.Size())
	w.WriteHeader(plan.Status)

	n, err := stream.Copy(w, f, plan, chunkSize)
	metrics.RecordBytesStreamed(family, n)
	if err != nil {
		// Seek-heavy clients abandon ranges constantly; not a server error.
		logging.Debug("stream aborted",
			zap.String("request_id", logging.RequestID(r.Context())),
			zap.String("path", relPath),
			zap.Int64("written", n),
			zap.Error(err))
	}
}

func (s *Server) sendFileError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *files.Error
	if !errors.As(err, &fe) {
		logging.Error("unclassified file error",
			zap.String("request_id", logging.RequestID(r.Context())),
			zap.Error(err))
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := fe.Kind.HTTPStatus()
	if fe.Kind == files.KindAccessDenied {
		metrics.RecordPathDenial()
		logging.Warn("path confinement denial",
			zap.String("request_id", logging.RequestID(r.Context())),
			zap.String("remote", r.RemoteAddr))
	}
	if status == http.StatusInternalServerError {
		logging.Error("file operation failed",
			zap.String("request_id", logging.RequestID(r.Context())),
			zap.Error(fe))
		sendError(w, status, "internal error")
		return
	}
	sendError(w, status, fe.Message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, protocol.ErrorResponse{Error: message, Code: code})
}
