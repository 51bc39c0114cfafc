// Package protocol defines the API request/response types.
package protocol

import (
	"encoding/json"
	"time"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// LoginRequest is the body for POST /api/auth/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse is returned on successful authentication.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

// FileInfo describes a single directory entry. Entries are recomputed per
// listing call and never persisted.
type FileInfo struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	IsDirectory  bool   `json:"is_directory"`
	Size         *int64 `json:"size,omitempty"` // nil for directories
	ModifiedTime string `json:"modified_time,omitempty"`
	FileType     string `json:"file_type,omitempty"`
}

// DirectoryListing is returned by GET /api/files/list.
type DirectoryListing struct {
	Path  string     `json:"path"`
	Items []FileInfo `json:"items"`
	Total int        `json:"total"`
}

// CreateFolderRequest is the body for POST /api/files/create-folder.
type CreateFolderRequest struct {
	Name string `json:"name"`
}

// CreateFolderResponse is returned when a folder is created.
type CreateFolderResponse struct {
	Path string `json:"path"`
}

// UploadResponse is returned by POST /api/files/upload.
type UploadResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// StreamTokenResponse is returned by GET/POST /api/stream/token. The token
// authorizes range reads of exactly one path for ExpiresIn seconds.
type StreamTokenResponse struct {
	Token     string `json:"token"`
	Path      string `json:"path"`
	ExpiresIn int64  `json:"expires_in"`
}

// PasskeyBeginResponse is returned by the passkey begin endpoints. Options
// is the raw credential creation/request options produced by the verifier.
type PasskeyBeginResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

// PasskeyFinishRequest is the body for the passkey finish endpoints. The
// credential payload is forwarded verbatim to the verification library.
type PasskeyFinishRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
}

// CredentialInfo describes a stored passkey credential.
type CredentialInfo struct {
	CredentialID string    `json:"credential_id"`
	SignCount    uint32    `json:"sign_count"`
	Transports   []string  `json:"transports,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
