package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	wanproto "github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/hoardfs/hoard/internal/credstore"
	"github.com/hoardfs/hoard/internal/logging"
	"github.com/hoardfs/hoard/internal/metrics"
	"github.com/hoardfs/hoard/internal/protocol"
)

// ownerUser is the single account passkeys attach to. There are no other
// users; the ID is a fixed handle, not an enumeration surface.
type ownerUser struct {
	creds []webauthn.Credential
}

func (u *ownerUser) WebAuthnID() []byte                         { return []byte("hoard-owner") }
func (u *ownerUser) WebAuthnName() string                       { return "owner" }
func (u *ownerUser) WebAuthnDisplayName() string                { return "Owner" }
func (u *ownerUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// PasskeyService runs WebAuthn registration and login ceremonies for the
// single account, persisting credentials through the store.
type PasskeyService struct {
	wan        *webauthn.WebAuthn
	store      *credstore.Store
	tokens     *Service
	challenges *challengeStore
}

// NewPasskeyService configures the WebAuthn relying party.
func NewPasskeyService(tokens *Service, store *credstore.Store, rpID, rpOrigin string) (*PasskeyService, error) {
	wan, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Hoard",
		RPID:          rpID,
		RPOrigins:     []string{rpOrigin},
	})
	if err != nil {
		return nil, err
	}
	return &PasskeyService{
		wan:        wan,
		store:      store,
		tokens:     tokens,
		challenges: newChallengeStore(),
	}, nil
}

// SweepChallenges drops expired ceremony state.
func (p *PasskeyService) SweepChallenges() { p.challenges.Sweep() }

func (p *PasskeyService) loadUser(ctx context.Context) (*ownerUser, []credstore.Record, error) {
	records, err := p.store.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	user := &ownerUser{creds: make([]webauthn.Credential, 0, len(records))}
	for _, rec := range records {
		user.creds = append(user.creds, rec.Credential)
	}
	return user, records, nil
}

// HandleBeginRegistration handles POST /api/auth/passkey/register/begin.
// Requires a session token: only the authenticated owner may enroll keys.
func (p *PasskeyService) HandleBeginRegistration(w http.ResponseWriter, r *http.Request) {
	user, _, err := p.loadUser(r.Context())
	if err != nil {
		logging.Error("failed to load credentials", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	exclusions := make([]wanproto.CredentialDescriptor, 0, len(user.creds))
	for _, cred := range user.creds {
		exclusions = append(exclusions, wanproto.CredentialDescriptor{
			Type:         wanproto.PublicKeyCredentialType,
			CredentialID: cred.ID,
		})
	}

	options, session, err := p.wan.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		logging.Error("failed to begin passkey registration", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to begin registration")
		return
	}

	p.respondBegin(w, options, session)
}

// HandleFinishRegistration handles POST /api/auth/passkey/register/finish.
func (p *PasskeyService) HandleFinishRegistration(w http.ResponseWriter, r *http.Request) {
	var req protocol.PasskeyFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, ok := p.challenges.Take(req.ChallengeID)
	if !ok {
		sendAuthError(w, http.StatusBadRequest, "unknown or expired challenge")
		return
	}

	parsed, err := wanproto.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		sendAuthError(w, http.StatusBadRequest, "malformed credential")
		return
	}

	user, _, err := p.loadUser(r.Context())
	if err != nil {
		logging.Error("failed to load credentials", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	cred, err := p.wan.CreateCredential(user, session, parsed)
	if err != nil {
		logging.Warn("passkey registration rejected", zap.Error(err))
		sendAuthError(w, http.StatusBadRequest, "credential verification failed")
		return
	}

	if err := p.store.Save(r.Context(), cred); err != nil {
		logging.Error("failed to store credential", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	logging.Info("passkey registered", zap.String("credential_id", credstore.EncodeID(cred.ID)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(protocol.CredentialInfo{
		CredentialID: credstore.EncodeID(cred.ID),
		SignCount:    cred.Authenticator.SignCount,
		Transports:   transportStrings(cred.Transport),
	})
}

// HandleBeginLogin handles POST /api/auth/passkey/login/begin. Public: the
// ceremony itself proves possession of an enrolled key.
func (p *PasskeyService) HandleBeginLogin(w http.ResponseWriter, r *http.Request) {
	user, _, err := p.loadUser(r.Context())
	if err != nil {
		logging.Error("failed to load credentials", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}
	if len(user.creds) == 0 {
		sendAuthError(w, http.StatusBadRequest, "no passkeys registered")
		return
	}

	options, session, err := p.wan.BeginLogin(user)
	if err != nil {
		logging.Error("failed to begin passkey login", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to begin login")
		return
	}

	p.respondBegin(w, options, session)
}

// HandleFinishLogin handles POST /api/auth/passkey/login/finish. On success
// it issues a session token, same as a password login.
func (p *PasskeyService) HandleFinishLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.PasskeyFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt("passkey", false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, ok := p.challenges.Take(req.ChallengeID)
	if !ok {
		metrics.RecordAuthAttempt("passkey", false)
		sendAuthError(w, http.StatusBadRequest, "unknown or expired challenge")
		return
	}

	parsed, err := wanproto.ParseCredentialRequestResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		metrics.RecordAuthAttempt("passkey", false)
		sendAuthError(w, http.StatusBadRequest, "malformed credential")
		return
	}

	user, _, err := p.loadUser(r.Context())
	if err != nil {
		logging.Error("failed to load credentials", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	cred, err := p.wan.ValidateLogin(user, session, parsed)
	if err != nil {
		metrics.RecordAuthAttempt("passkey", false)
		logging.Warn("passkey login rejected", zap.Error(err), zap.String("remote", r.RemoteAddr))
		sendAuthError(w, http.StatusUnauthorized, "passkey verification failed")
		return
	}

	// Persist the bumped sign count; a failure here is logged but does not
	// block the login.
	if err := p.store.Update(r.Context(), cred); err != nil {
		logging.Warn("failed to update sign count", zap.Error(err))
	}

	token, expires, err := p.tokens.IssueSession()
	if err != nil {
		metrics.RecordAuthAttempt("passkey", false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt("passkey", true)
	logging.Info("passkey login successful",
		zap.String("credential_id", credstore.EncodeID(cred.ID)),
		zap.String("remote", r.RemoteAddr))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.LoginResponse{
		Token:     token,
		ExpiresAt: expires,
		Message:   "Login successful",
	})
}

// HandleListCredentials handles GET /api/auth/passkey/credentials.
func (p *PasskeyService) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	_, records, err := p.loadUser(r.Context())
	if err != nil {
		logging.Error("failed to load credentials", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	infos := make([]protocol.CredentialInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, protocol.CredentialInfo{
			CredentialID: rec.CredentialID,
			SignCount:    rec.Credential.Authenticator.SignCount,
			Transports:   transportStrings(rec.Credential.Transport),
			CreatedAt:    rec.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

// HandleDeleteCredential handles DELETE /api/auth/passkey/credentials/{id}.
func (p *PasskeyService) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		sendAuthError(w, http.StatusBadRequest, "missing credential id")
		return
	}
	if err := p.store.Delete(r.Context(), id); err != nil {
		sendAuthError(w, http.StatusNotFound, "credential not found")
		return
	}
	logging.Info("passkey deleted", zap.String("credential_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (p *PasskeyService) respondBegin(w http.ResponseWriter, options interface{}, session *webauthn.SessionData) {
	raw, err := json.Marshal(options)
	if err != nil {
		logging.Error("failed to encode ceremony options", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to encode options")
		return
	}
	id := p.challenges.Put(*session)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.PasskeyBeginResponse{
		ChallengeID: id,
		Options:     raw,
	})
}

func transportStrings(transports []wanproto.AuthenticatorTransport) []string {
	if len(transports) == 0 {
		return nil
	}
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}
