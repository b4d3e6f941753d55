package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"dealdesk/api/internal/attachments"
	"dealdesk/api/internal/auth"
	"dealdesk/api/internal/chat"
	"dealdesk/api/internal/config"
	"dealdesk/api/internal/rbac"
	"dealdesk/api/internal/search"
	"dealdesk/api/internal/session"
	"dealdesk/api/internal/store"
	"dealdesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	Permissions  []string
	JTI          string
	ExpiresAt    time.Time
}

var allowedStatuses = map[string]struct{}{
	"draft":     {},
	"in_review": {},
	"approved":  {},
	"submitted": {},
	"won":       {},
	"lost":      {},
}

var allowedPriorities = map[string]struct{}{
	"low":      {},
	"medium":   {},
	"high":     {},
	"critical": {},
}

var allowedSectionTypes = map[string]struct{}{
	"executive_summary": {},
	"problem_statement": {},
	"solution":          {},
	"timeline":          {},
	"pricing":           {},
	"team":              {},
	"case_studies":      {},
	"appendix":          {},
}

var allowedCategories = map[string]struct{}{
	"case_study":        {},
	"solution_template": {},
	"pricing_model":     {},
	"team_bio":          {},
	"company_overview":  {},
	"technical_spec":    {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) (map[string]store.User, error)
	GetProfileByUser(context.Context, string) (store.UserProfile, error)
	CreateProfile(context.Context, store.UserProfile) error
	ListOrganizations(context.Context) ([]store.Organization, error)
	GetOrganization(context.Context, string) (store.Organization, error)
	InsertOrganization(context.Context, store.Organization) error
	UpdateOrganization(context.Context, string, string, string, string, string) (bool, error)
	InsertKnowledgeItem(context.Context, store.KnowledgeItem) error
	GetKnowledgeItem(context.Context, string) (store.KnowledgeItem, error)
	ListKnowledgeByCategory(context.Context, string) ([]store.KnowledgeItem, error)
	ApproveKnowledgeItem(context.Context, string) (bool, error)
	IncrementKnowledgeUsage(context.Context, string) (bool, error)
	ListProposals(context.Context, string, string) ([]store.Proposal, error)
	GetProposal(context.Context, string) (store.Proposal, error)
	InsertProposal(context.Context, store.Proposal) error
	UpdateProposal(context.Context, store.Proposal) (bool, error)
	UpdateProposalStatus(context.Context, string, string) (bool, error)
	InsertActivity(context.Context, string, string, string, string) error
	ListActivities(context.Context, string, int) ([]store.Activity, error)
	ListSections(context.Context, string) ([]store.ProposalSection, error)
	InsertSection(context.Context, store.ProposalSection) error
	UpdateSection(context.Context, string, string, string, string, string, int, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// RefreshStore is the durable side of refresh tokens; Redis in production,
// with the Postgres tables as a drop-in fallback.
type RefreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PGSessions adapts the Postgres refresh tables to the refresh store
// interface used when Redis is not configured.
type PGSessions struct {
	Store *store.PostgresStore
}

func (p PGSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.Store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p PGSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.Store.LookupRefreshSession(ctx, tokenHash)
}

func (p PGSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.Store.RevokeRefreshSession(ctx, tokenHash)
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexKnowledge(rec search.KnowledgeRecord)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    RefreshStore
	search      searcher
	hub         *chat.Hub
	attachments *attachments.Service
}

func New(cfg config.Config, dataStore dataStore, sessions RefreshStore, searchSvc searcher, hub *chat.Hub, files *attachments.Service) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		sessions:    sessions,
		search:      searchSvc,
		hub:         hub,
		attachments: files,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Hub() *chat.Hub {
	return s.hub
}

// CreateSession mints an access token and refresh token for a
// just-authenticated user.
func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token", nil)
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.Name,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and hydrates the caller's
// identity and stored permission set. A user without a profile gets an
// empty permission set; the profile endpoint creates one on first read.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	session := Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}

	profile, err := s.store.GetProfileByUser(ctx, user.ID)
	if err == nil {
		session.Role = profile.Role
		session.Permissions = profile.Permissions
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}
	return session, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func requirePermission(session Session, permission rbac.Permission) error {
	if !rbac.Has(session.Permissions, permission) {
		return errForbidden("Forbidden")
	}
	return nil
}

// --- Profiles ---

// GetMyProfile returns the caller's profile. A user without one gets the
// default presales shape synthesized on the fly; nothing is written, so an
// explicit create afterwards still succeeds.
func (s *Service) GetMyProfile(ctx context.Context, session Session) (map[string]any, error) {
	profile, err := s.store.GetProfileByUser(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		profile = store.UserProfile{
			UserID:      session.UserID,
			Role:        string(rbac.RolePresales),
			Department:  "Sales",
			Permissions: rbac.DefaultPermissions(rbac.RolePresales),
			IsActive:    true,
		}
	} else if err != nil {
		return nil, err
	}
	return profilePayload(profile), nil
}

// CreateProfile creates a profile with the permission set derived from the
// role at this moment. Creating a profile for another user requires the
// manage_users permission; duplicates fail with AlreadyExists either way.
func (s *Service) CreateProfile(ctx context.Context, session Session, userID, role, department string) (map[string]any, error) {
	targetUser := strings.TrimSpace(userID)
	if targetUser == "" {
		targetUser = session.UserID
	}
	if targetUser != session.UserID {
		if err := requirePermission(session, rbac.PermManageUsers); err != nil {
			return nil, err
		}
	}
	if !rbac.ValidRole(role) {
		return nil, errValidation("role must be one of admin, manager, presales, viewer")
	}
	if strings.TrimSpace(department) == "" {
		department = "Sales"
	}
	if targetUser != session.UserID {
		if _, err := s.store.GetUserByID(ctx, targetUser); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("User not found")
			}
			return nil, err
		}
	}

	profile := store.UserProfile{
		ID:          util.NewID("prf"),
		UserID:      targetUser,
		Role:        role,
		Department:  department,
		Permissions: rbac.DefaultPermissions(rbac.Role(role)),
		IsActive:    true,
	}
	if err := s.store.CreateProfile(ctx, profile); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errAlreadyExists("Profile already exists for this user")
		}
		return nil, err
	}
	return profilePayload(profile), nil
}

func profilePayload(profile store.UserProfile) map[string]any {
	permissions := profile.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	var createdAt int64
	if !profile.CreatedAt.IsZero() {
		createdAt = profile.CreatedAt.UnixMilli()
	}
	return map[string]any{
		"id":          profile.ID,
		"userId":      profile.UserID,
		"role":        profile.Role,
		"department":  profile.Department,
		"permissions": permissions,
		"isActive":    profile.IsActive,
		"createdAt":   createdAt,
	}
}

// --- Organizations ---

func (s *Service) ListOrganizations(ctx context.Context) ([]map[string]any, error) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	creatorIDs := make([]string, 0, len(orgs))
	for _, org := range orgs {
		creatorIDs = append(creatorIDs, org.CreatedBy)
	}
	users, err := s.store.GetUsersByIDs(ctx, creatorIDs)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(orgs))
	for _, org := range orgs {
		items = append(items, organizationPayload(org, users))
	}
	return items, nil
}

func (s *Service) GetOrganization(ctx context.Context, orgID string) (map[string]any, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("Organization not found")
	}
	if err != nil {
		return nil, err
	}
	users, err := s.store.GetUsersByIDs(ctx, []string{org.CreatedBy})
	if err != nil {
		return nil, err
	}
	return organizationPayload(org, users), nil
}

type OrganizationInput struct {
	Name        string `json:"name"`
	Industry    string `json:"industry"`
	Size        string `json:"size"`
	Description string `json:"description"`
}

func (s *Service) CreateOrganization(ctx context.Context, session Session, input OrganizationInput) (map[string]any, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errValidation("name is required")
	}
	if strings.TrimSpace(input.Industry) == "" {
		return nil, errValidation("industry is required")
	}
	if strings.TrimSpace(input.Size) == "" {
		return nil, errValidation("size is required")
	}
	org := store.Organization{
		ID:          util.NewID("org"),
		Name:        strings.TrimSpace(input.Name),
		Industry:    strings.TrimSpace(input.Industry),
		Size:        strings.TrimSpace(input.Size),
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertOrganization(ctx, org); err != nil {
		return nil, err
	}
	return map[string]any{"id": org.ID}, nil
}

// UpdateOrganization overwrites every mutable field. There is no ownership
// check: any authenticated user may edit any organization.
func (s *Service) UpdateOrganization(ctx context.Context, orgID string, input OrganizationInput) (map[string]any, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errValidation("name is required")
	}
	updated, err := s.store.UpdateOrganization(ctx, orgID,
		strings.TrimSpace(input.Name),
		strings.TrimSpace(input.Industry),
		strings.TrimSpace(input.Size),
		strings.TrimSpace(input.Description),
	)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound("Organization not found")
	}
	return map[string]any{"id": orgID}, nil
}

func organizationPayload(org store.Organization, users map[string]store.User) map[string]any {
	return map[string]any{
		"id":          org.ID,
		"name":        org.Name,
		"industry":    org.Industry,
		"size":        org.Size,
		"description": org.Description,
		"createdBy":   org.CreatedBy,
		"creator":     userRefOrNil(users, org.CreatedBy),
		"createdAt":   org.CreatedAt.UnixMilli(),
		"updatedAt":   org.UpdatedAt.UnixMilli(),
	}
}

// --- Knowledge base ---

func (s *Service) SearchKnowledge(ctx context.Context, term, category, industry string, limit int) (map[string]any, error) {
	if category != "" {
		if _, ok := allowedCategories[category]; !ok {
			return nil, errValidation("unknown category")
		}
	}
	resp := s.search.Search(search.Query{
		Text:     term,
		Category: category,
		Industry: industry,
		Limit:    limit,
	})

	creatorIDs := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		creatorIDs = append(creatorIDs, r.CreatedBy)
	}
	users, err := s.store.GetUsersByIDs(ctx, creatorIDs)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		results = append(results, map[string]any{
			"id":         r.ID,
			"title":      r.Title,
			"snippet":    r.Snippet,
			"category":   r.Category,
			"tags":       tags,
			"industry":   r.Industry,
			"usageCount": r.UsageCount,
			"creator":    userRefOrNil(users, r.CreatedBy),
		})
	}
	return map[string]any{
		"results": results,
		"total":   resp.Total,
		"query":   resp.Query,
	}, nil
}

func (s *Service) ListKnowledge(ctx context.Context, category string) ([]map[string]any, error) {
	if category != "" {
		if _, ok := allowedCategories[category]; !ok {
			return nil, errValidation("unknown category")
		}
	}
	items, err := s.store.ListKnowledgeByCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	creatorIDs := make([]string, 0, len(items))
	for _, item := range items {
		creatorIDs = append(creatorIDs, item.CreatedBy)
	}
	users, err := s.store.GetUsersByIDs(ctx, creatorIDs)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, knowledgePayload(item, users))
	}
	return payload, nil
}

func (s *Service) GetKnowledgeItem(ctx context.Context, itemID string) (map[string]any, error) {
	item, err := s.store.GetKnowledgeItem(ctx, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("Knowledge item not found")
	}
	if err != nil {
		return nil, err
	}
	users, err := s.store.GetUsersByIDs(ctx, []string{item.CreatedBy})
	if err != nil {
		return nil, err
	}
	return knowledgePayload(item, users), nil
}

type KnowledgeInput struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Industry string   `json:"industry"`
}

// CreateKnowledgeItem inserts a new entry into the moderation queue: every
// item starts unapproved with a zero usage count, whatever the caller sent.
func (s *Service) CreateKnowledgeItem(ctx context.Context, session Session, input KnowledgeInput) (map[string]any, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, errValidation("title is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, errValidation("content is required")
	}
	if _, ok := allowedCategories[input.Category]; !ok {
		return nil, errValidation("unknown category")
	}
	item := store.KnowledgeItem{
		ID:         util.NewID("kb"),
		Title:      strings.TrimSpace(input.Title),
		Content:    input.Content,
		Category:   input.Category,
		Tags:       input.Tags,
		Industry:   strings.TrimSpace(input.Industry),
		CreatedBy:  session.UserID,
		UsageCount: 0,
		IsApproved: false,
	}
	if err := s.store.InsertKnowledgeItem(ctx, item); err != nil {
		return nil, err
	}
	s.indexKnowledgeItem(item)
	return map[string]any{"id": item.ID}, nil
}

// ApproveKnowledgeItem flips the moderation gate. Requires the approve
// permission from the caller's stored set; there is no unapprove path.
func (s *Service) ApproveKnowledgeItem(ctx context.Context, session Session, itemID string) (map[string]any, error) {
	if err := requirePermission(session, rbac.PermApprove); err != nil {
		return nil, err
	}
	approved, err := s.store.ApproveKnowledgeItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, errNotFound("Knowledge item not found")
	}
	s.reindexKnowledgeItem(ctx, itemID)
	return map[string]any{"id": itemID}, nil
}

func (s *Service) IncrementKnowledgeUsage(ctx context.Context, itemID string) (map[string]any, error) {
	found, err := s.store.IncrementKnowledgeUsage(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFound("Knowledge item not found")
	}
	s.reindexKnowledgeItem(ctx, itemID)
	return map[string]any{"id": itemID}, nil
}

func (s *Service) indexKnowledgeItem(item store.KnowledgeItem) {
	if s.search == nil {
		return
	}
	s.search.IndexKnowledge(search.KnowledgeRecord{
		ID:         item.ID,
		Title:      item.Title,
		Content:    item.Content,
		Category:   item.Category,
		Tags:       item.Tags,
		Industry:   item.Industry,
		CreatedBy:  item.CreatedBy,
		UsageCount: item.UsageCount,
		IsApproved: item.IsApproved,
	})
}

func (s *Service) reindexKnowledgeItem(ctx context.Context, itemID string) {
	if s.search == nil {
		return
	}
	item, err := s.store.GetKnowledgeItem(ctx, itemID)
	if err != nil {
		log.Printf("knowledge: reindex load %s: %v", itemID, err)
		return
	}
	s.indexKnowledgeItem(item)
}

func knowledgePayload(item store.KnowledgeItem, users map[string]store.User) map[string]any {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":         item.ID,
		"title":      item.Title,
		"content":    item.Content,
		"category":   item.Category,
		"tags":       tags,
		"industry":   item.Industry,
		"createdBy":  item.CreatedBy,
		"creator":    userRefOrNil(users, item.CreatedBy),
		"usageCount": item.UsageCount,
		"isApproved": item.IsApproved,
		"createdAt":  item.CreatedAt.UnixMilli(),
	}
}

// --- Proposals ---

func (s *Service) ListProposals(ctx context.Context, status, orgID string) ([]map[string]any, error) {
	if status != "" {
		if _, ok := allowedStatuses[status]; !ok {
			return nil, errValidation("unknown status")
		}
	}
	proposals, err := s.store.ListProposals(ctx, status, orgID)
	if err != nil {
		return nil, err
	}

	creatorIDs := make([]string, 0, len(proposals))
	for _, p := range proposals {
		creatorIDs = append(creatorIDs, p.CreatedBy)
	}
	users, err := s.store.GetUsersByIDs(ctx, creatorIDs)
	if err != nil {
		return nil, err
	}

	orgs := make(map[string]store.Organization)
	items := make([]map[string]any, 0, len(proposals))
	for _, p := range proposals {
		org, err := s.resolveOrganization(ctx, orgs, p.OrganizationID)
		if err != nil {
			return nil, err
		}
		items = append(items, proposalPayload(p, org, users, nil))
	}
	return items, nil
}

func (s *Service) GetProposal(ctx context.Context, proposalID string) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("Proposal not found")
	}
	if err != nil {
		return nil, err
	}

	ids := append([]string{p.CreatedBy}, p.AssignedTo...)
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	orgs := make(map[string]store.Organization)
	org, err := s.resolveOrganization(ctx, orgs, p.OrganizationID)
	if err != nil {
		return nil, err
	}

	// assignedTo enrichment drops IDs that no longer resolve, unlike the
	// creator reference which degrades to null.
	assigned := make([]store.UserRef, 0, len(p.AssignedTo))
	for _, id := range p.AssignedTo {
		if user, ok := users[id]; ok {
			assigned = append(assigned, store.UserRef{ID: user.ID, Name: user.Name, Email: user.Email})
		}
	}
	return proposalPayload(p, org, users, assigned), nil
}

type ProposalInput struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	OrganizationID string   `json:"organizationId"`
	Priority       string   `json:"priority"`
	Deadline       int64    `json:"deadline"` // unix millis
	EstimatedValue float64  `json:"estimatedValue"`
	AssignedTo     []string `json:"assignedTo"`
	Tags           []string `json:"tags"`
}

// CreateProposal inserts a new draft. The organization reference is not
// checked at write time; a dangling reference shows up as a null
// organization on read.
func (s *Service) CreateProposal(ctx context.Context, session Session, input ProposalInput) (map[string]any, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, errValidation("title is required")
	}
	if strings.TrimSpace(input.OrganizationID) == "" {
		return nil, errValidation("organizationId is required")
	}
	priority := input.Priority
	if priority == "" {
		priority = "medium"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return nil, errValidation("unknown priority")
	}

	p := store.Proposal{
		ID:             util.NewID("prop"),
		Title:          strings.TrimSpace(input.Title),
		Description:    input.Description,
		OrganizationID: input.OrganizationID,
		Status:         "draft",
		Priority:       priority,
		Deadline:       time.UnixMilli(input.Deadline),
		EstimatedValue: input.EstimatedValue,
		CreatedBy:      session.UserID,
		AssignedTo:     input.AssignedTo,
		Tags:           input.Tags,
		CurrentVersion: 1,
		IsTemplate:     false,
	}
	if err := s.store.InsertProposal(ctx, p); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, p.ID, session.UserID, "created", "Created proposal: "+p.Title)
	return map[string]any{"id": p.ID}, nil
}

type ProposalUpdateInput struct {
	Title          *string   `json:"title"`
	Description    *string   `json:"description"`
	Status         *string   `json:"status"`
	Priority       *string   `json:"priority"`
	Deadline       *int64    `json:"deadline"` // unix millis
	EstimatedValue *float64  `json:"estimatedValue"`
	Tags           *[]string `json:"tags"`
}

// UpdateProposal patches a proposal: only the fields present in the body
// change, and the organization reference is not among them. A status in
// the patch logs a status_updated activity, even when it restates the
// current value.
func (s *Service) UpdateProposal(ctx context.Context, session Session, proposalID string, input ProposalUpdateInput) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("Proposal not found")
	}
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		if strings.TrimSpace(*input.Title) == "" {
			return nil, errValidation("title must not be empty")
		}
		p.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		p.Description = *input.Description
	}
	if input.Status != nil {
		if _, ok := allowedStatuses[*input.Status]; !ok {
			return nil, errValidation("unknown status")
		}
		p.Status = *input.Status
	}
	if input.Priority != nil {
		if _, ok := allowedPriorities[*input.Priority]; !ok {
			return nil, errValidation("unknown priority")
		}
		p.Priority = *input.Priority
	}
	if input.Deadline != nil {
		p.Deadline = time.UnixMilli(*input.Deadline)
	}
	if input.EstimatedValue != nil {
		p.EstimatedValue = *input.EstimatedValue
	}
	if input.Tags != nil {
		p.Tags = *input.Tags
	}

	updated, err := s.store.UpdateProposal(ctx, p)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound("Proposal not found")
	}
	if input.Status != nil {
		s.appendActivity(ctx, proposalID, session.UserID, "status_updated", "Status changed to: "+*input.Status)
	}
	return map[string]any{"id": proposalID}, nil
}

// UpdateProposalStatus moves a proposal to any of the six statuses. There
// is deliberately no transition table: won back to draft is as legal as
// draft to in_review.
func (s *Service) UpdateProposalStatus(ctx context.Context, session Session, proposalID, status string) (map[string]any, error) {
	if _, ok := allowedStatuses[status]; !ok {
		return nil, errValidation("unknown status")
	}
	updated, err := s.store.UpdateProposalStatus(ctx, proposalID, status)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound("Proposal not found")
	}
	s.appendActivity(ctx, proposalID, session.UserID, "status_updated", "Status changed to: "+status)
	return map[string]any{"id": proposalID}, nil
}

func (s *Service) ListProposalActivity(ctx context.Context, proposalID string, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	activities, err := s.store.ListActivities(ctx, proposalID, limit)
	if err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(activities))
	for _, a := range activities {
		userIDs = append(userIDs, a.UserID)
	}
	users, err := s.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(activities))
	for _, a := range activities {
		items = append(items, map[string]any{
			"id":         a.ID,
			"proposalId": a.ProposalID,
			"userId":     a.UserID,
			"user":       userRefOrNil(users, a.UserID),
			"action":     a.Action,
			"details":    a.Details,
			"createdAt":  a.CreatedAt.UnixMilli(),
		})
	}
	return items, nil
}

// appendActivity is best-effort: losing an audit row must never fail the
// primary write that triggered it.
func (s *Service) appendActivity(ctx context.Context, proposalID, userID, action, details string) {
	if err := s.store.InsertActivity(ctx, proposalID, userID, action, details); err != nil {
		log.Printf("activity: append %s on %s: %v", action, proposalID, err)
	}
}

func (s *Service) resolveOrganization(ctx context.Context, cache map[string]store.Organization, orgID string) (*store.Organization, error) {
	if org, ok := cache[orgID]; ok {
		return &org, nil
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cache[orgID] = org
	return &org, nil
}

func proposalPayload(p store.Proposal, org *store.Organization, users map[string]store.User, assigned []store.UserRef) map[string]any {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	payload := map[string]any{
		"id":             p.ID,
		"title":          p.Title,
		"description":    p.Description,
		"organizationId": p.OrganizationID,
		"status":         p.Status,
		"priority":       p.Priority,
		"deadline":       p.Deadline.UnixMilli(),
		"estimatedValue": p.EstimatedValue,
		"createdBy":      p.CreatedBy,
		"creator":        userRefOrNil(users, p.CreatedBy),
		"tags":           tags,
		"currentVersion": p.CurrentVersion,
		"isTemplate":     p.IsTemplate,
		"createdAt":      p.CreatedAt.UnixMilli(),
	}
	if org != nil {
		payload["organization"] = map[string]any{
			"id":       org.ID,
			"name":     org.Name,
			"industry": org.Industry,
			"size":     org.Size,
		}
	} else {
		payload["organization"] = nil
	}
	if assigned != nil {
		payload["assignedTo"] = assigned
	} else {
		ids := p.AssignedTo
		if ids == nil {
			ids = []string{}
		}
		payload["assignedTo"] = ids
	}
	return payload
}

// --- Sections ---

func (s *Service) ListSections(ctx context.Context, proposalID string) ([]map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	sections, err := s.store.ListSections(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	editorIDs := make([]string, 0, len(sections))
	for _, sec := range sections {
		editorIDs = append(editorIDs, sec.LastEditedBy)
	}
	users, err := s.store.GetUsersByIDs(ctx, editorIDs)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sections))
	for _, sec := range sections {
		items = append(items, map[string]any{
			"id":           sec.ID,
			"proposalId":   sec.ProposalID,
			"title":        sec.Title,
			"content":      sec.Content,
			"sectionType":  sec.SectionType,
			"order":        sec.Order,
			"lastEditedBy": sec.LastEditedBy,
			"editor":       userRefOrNil(users, sec.LastEditedBy),
			"version":      sec.Version,
			"isLocked":     sec.IsLocked,
			"createdAt":    sec.CreatedAt.UnixMilli(),
			"updatedAt":    sec.UpdatedAt.UnixMilli(),
		})
	}
	return items, nil
}

type SectionInput struct {
	SectionID   string `json:"sectionId"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	SectionType string `json:"sectionType"`
	Order       int    `json:"order"`
}

// UpsertSection updates the named section or inserts a new one. An update
// only matches a section belonging to the given proposal; a sectionId from
// another proposal reads as NotFound rather than silently reparenting.
// Updates are last-write-wins with a version bump as the only evidence of
// concurrent edits. An omitted sectionId always inserts, even when a
// section of the same type and order already exists.
func (s *Service) UpsertSection(ctx context.Context, session Session, proposalID string, input SectionInput) (map[string]any, error) {
	if _, ok := allowedSectionTypes[input.SectionType]; !ok {
		return nil, errValidation("unknown sectionType")
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, errValidation("title is required")
	}

	if input.SectionID != "" {
		updated, err := s.store.UpdateSection(ctx, input.SectionID, proposalID,
			strings.TrimSpace(input.Title), input.Content, input.SectionType, input.Order, session.UserID)
		if err != nil {
			return nil, err
		}
		if !updated {
			return nil, errNotFound("Section not found")
		}
		return map[string]any{"id": input.SectionID}, nil
	}

	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	section := store.ProposalSection{
		ID:           util.NewID("sec"),
		ProposalID:   proposalID,
		Title:        strings.TrimSpace(input.Title),
		Content:      input.Content,
		SectionType:  input.SectionType,
		Order:        input.Order,
		LastEditedBy: session.UserID,
		Version:      1,
		IsLocked:     false,
	}
	if err := s.store.InsertSection(ctx, section); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, proposalID, session.UserID, "section_created", "Created section: "+section.Title)
	return map[string]any{"id": section.ID}, nil
}

// --- Chat ---

func (s *Service) ChatHistory(ctx context.Context, proposalID string, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	messages, err := s.hub.History(ctx, proposalID, limit)
	if err != nil {
		return nil, err
	}
	senderIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		senderIDs = append(senderIDs, msg.SenderID)
	}
	users, err := s.store.GetUsersByIDs(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		items = append(items, map[string]any{
			"seq":        msg.Seq,
			"proposalId": msg.ProposalID,
			"senderId":   msg.SenderID,
			"sender":     userRefOrNil(users, msg.SenderID),
			"body":       msg.Body,
			"sentAt":     msg.CreatedAt.UnixMilli(),
		})
	}
	return items, nil
}

func (s *Service) PostChatMessage(ctx context.Context, session Session, proposalID, body string) (map[string]any, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errValidation("message body is required")
	}
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	msg, err := s.hub.Publish(ctx, proposalID, session.UserID, session.UserName, body)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"seq":        msg.Seq,
		"proposalId": msg.ProposalID,
		"senderId":   msg.SenderID,
		"body":       msg.Body,
		"sentAt":     msg.CreatedAt.UnixMilli(),
	}, nil
}

// VerifyProposalForChat checks the proposal exists before a socket attach.
func (s *Service) VerifyProposalForChat(ctx context.Context, proposalID string) error {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Proposal not found")
		}
		return fmt.Errorf("verify proposal: %w", err)
	}
	return nil
}

// --- Attachments ---

var errNoAttachmentBackend = domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Attachment storage is not configured", nil)

func (s *Service) UploadAttachment(ctx context.Context, session Session, proposalID, fileName, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if s.attachments == nil {
		return nil, errNoAttachmentBackend
	}
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	item, err := s.attachments.Upload(ctx, proposalID, session.UserID, fileName, contentType, size, body)
	if err != nil {
		return nil, err
	}
	s.appendActivity(ctx, proposalID, session.UserID, "attachment_added", "Uploaded file: "+item.FileName)
	return attachmentPayload(item), nil
}

func (s *Service) ListAttachments(ctx context.Context, proposalID string) ([]map[string]any, error) {
	if s.attachments == nil {
		return nil, errNoAttachmentBackend
	}
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Proposal not found")
		}
		return nil, err
	}
	items, err := s.attachments.List(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, attachmentPayload(item))
	}
	return payload, nil
}

func (s *Service) AttachmentDownloadURL(ctx context.Context, proposalID, attachmentID string) (string, error) {
	if s.attachments == nil {
		return "", errNoAttachmentBackend
	}
	items, err := s.attachments.List(ctx, proposalID)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.ID == attachmentID {
			return s.attachments.PresignDownload(ctx, item, 15*time.Minute)
		}
	}
	return "", errNotFound("Attachment not found")
}

func attachmentPayload(item store.Attachment) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"proposalId": item.ProposalID,
		"fileName":   item.FileName,
		"fileType":   item.FileType,
		"size":       item.Size,
		"uploadedBy": item.UploadedBy,
		"createdAt":  item.CreatedAt.UnixMilli(),
	}
}

func userRefOrNil(users map[string]store.User, userID string) any {
	user, ok := users[userID]
	if !ok {
		return nil
	}
	return store.UserRef{ID: user.ID, Name: user.Name, Email: user.Email}
}
