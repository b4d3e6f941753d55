package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealdesk/api/internal/auth"
	"dealdesk/api/internal/authpw"
	"dealdesk/api/internal/util"
)

type contextKey string

const requestIDKey contextKey = "request_id"

const maxBodyBytes = 1 << 20

const maxUploadBytes = 25 << 20

// Server exposes the service over HTTP.
type Server struct {
	svc        *Service
	auth       *authpw.Service
	corsOrigin string
}

func NewServer(svc *Service, auth *authpw.Service) *Server {
	origin := svc.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return &Server{svc: svc, auth: auth, corsOrigin: origin}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ready", s.handleReady)

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/refresh", s.handleRefresh)
	mux.HandleFunc("/api/session/logout", s.handleLogout)

	mux.HandleFunc("/api/profile", s.handleProfile)

	mux.HandleFunc("/api/organizations", s.handleOrganizations)
	mux.HandleFunc("/api/organizations/", s.handleOrganizationByID)

	mux.HandleFunc("/api/knowledge", s.handleKnowledge)
	mux.HandleFunc("/api/knowledge/", s.handleKnowledgeSub)

	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/proposals/", s.handleProposalSub)

	mux.HandleFunc("/ws/proposals/", s.handleChatSocket)

	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := util.NewID("req")
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		setCORSHeaders(w, s.corsOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID, r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Cache-Control", "no-store")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database unreachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- Auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, err := s.auth.Register(r.Context(), authpw.RegisterRequest{
		Name:     body.Name,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	session, err := s.svc.CreateSession(r.Context(), user)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, err := s.auth.Login(r.Context(), strings.ToLower(strings.TrimSpace(body.Email)), body.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	session, err := s.svc.CreateSession(r.Context(), user)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	permissions := session.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      session.UserID,
		"name":        session.UserName,
		"email":       session.Email,
		"role":        session.Role,
		"permissions": permissions,
		"expiresAt":   session.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "refresh token required", nil)
		return
	}
	session, err := s.svc.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	if err := s.svc.Logout(r.Context(), session, body.RefreshToken); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"name":         session.UserName,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt.UnixMilli(),
	}
}

// --- Profiles ---

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		payload, err := s.svc.GetMyProfile(r.Context(), session)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var body struct {
			UserID     string `json:"userId"`
			Role       string `json:"role"`
			Department string `json:"department"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.CreateProfile(r.Context(), session, body.UserID, body.Role, body.Department)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

// --- Organizations ---

func (s *Server) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.svc.ListOrganizations(r.Context())
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"organizations": items})
	case http.MethodPost:
		var body OrganizationInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.CreateOrganization(r.Context(), session, body)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleOrganizationByID(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/organizations/"))
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
		return
	}
	orgID := parts[0]
	switch r.Method {
	case http.MethodGet:
		payload, err := s.svc.GetOrganization(r.Context(), orgID)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPut:
		var body OrganizationInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.UpdateOrganization(r.Context(), orgID, body)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

// --- Knowledge ---

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.svc.ListKnowledge(r.Context(), r.URL.Query().Get("category"))
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var body KnowledgeInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.CreateKnowledgeItem(r.Context(), session, body)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleKnowledgeSub(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/knowledge/"))
	switch {
	case len(parts) == 1 && parts[0] == "search":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		payload, err := s.svc.SearchKnowledge(r.Context(), q.Get("q"), q.Get("category"), q.Get("industry"), limit)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		payload, err := s.svc.GetKnowledgeItem(r.Context(), parts[0])
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[1] == "approve":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		payload, err := s.svc.ApproveKnowledgeItem(r.Context(), session, parts[0])
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[1] == "usage":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		payload, err := s.svc.IncrementKnowledgeUsage(r.Context(), parts[0])
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
	}
}

// --- Proposals ---

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		items, err := s.svc.ListProposals(r.Context(), q.Get("status"), q.Get("organizationId"))
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": items})
	case http.MethodPost:
		var body ProposalInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.CreateProposal(r.Context(), session, body)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleProposalSub(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/proposals/"))
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
		return
	}
	proposalID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			payload, err := s.svc.GetProposal(r.Context(), proposalID)
			if err != nil {
				mapError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body ProposalUpdateInput
			if !decodeBody(w, r, &body) {
				return
			}
			payload, err := s.svc.UpdateProposal(r.Context(), session, proposalID, body)
			if err != nil {
				mapError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeMethodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.UpdateProposalStatus(r.Context(), session, proposalID, body.Status)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[1] == "activity":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.svc.ListProposalActivity(r.Context(), proposalID, limit)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activities": items})
	case len(parts) == 2 && parts[1] == "sections":
		s.handleSections(w, r, session, proposalID)
	case len(parts) == 2 && parts[1] == "chat":
		s.handleChat(w, r, session, proposalID)
	case len(parts) == 2 && parts[1] == "attachments":
		s.handleAttachments(w, r, session, proposalID)
	case len(parts) == 4 && parts[1] == "attachments" && parts[3] == "url":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		url, err := s.svc.AttachmentDownloadURL(r.Context(), proposalID, parts[2])
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
	}
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request, session Session, proposalID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.svc.ListSections(r.Context(), proposalID)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sections": items})
	case http.MethodPost:
		var body SectionInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.UpsertSection(r.Context(), session, proposalID, body)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, session Session, proposalID string) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.svc.ChatHistory(r.Context(), proposalID, limit)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
	case http.MethodPost:
		var body struct {
			Body string `json:"body"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.svc.PostChatMessage(r.Context(), session, proposalID, body.Body)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request, session Session, proposalID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.svc.ListAttachments(r.Context(), proposalID)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "multipart form required", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field required", nil)
			return
		}
		defer file.Close()
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		payload, err := s.svc.UploadAttachment(r.Context(), session, proposalID, header.Filename, contentType, header.Size, file)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeMethodNotAllowed(w)
	}
}

// --- WebSocket ---

// handleChatSocket upgrades /ws/proposals/{id}/chat. Browsers cannot set
// an Authorization header on a socket handshake, so the access token
// travels in the token query parameter instead.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/ws/proposals/"))
	if len(parts) != 2 || parts[1] != "chat" || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
		return
	}
	proposalID := parts[0]

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
		return
	}
	session, err := s.svc.SessionFromToken(r.Context(), token)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := s.svc.VerifyProposalForChat(r.Context(), proposalID); err != nil {
		mapError(w, err)
		return
	}
	s.svc.Hub().ServeWS(w, r, proposalID, session.UserID, session.UserName)
}

// --- Plumbing ---

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
		return Session{}, false
	}
	session, err := s.svc.SessionFromToken(r.Context(), token)
	if err != nil {
		mapError(w, err)
		return Session{}, false
	}
	return session, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid JSON body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
}

func mapError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password", nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", "email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "internal server error", nil)
	}
}
