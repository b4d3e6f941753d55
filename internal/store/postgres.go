package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate reports a unique-constraint violation (email or profile
// already taken).
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.Name, user.Email, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUsersByIDs returns the users that exist; IDs with no matching row are
// simply absent from the result map.
func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]User, error) {
	users := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal user ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) GetProfileByUser(ctx context.Context, userID string) (UserProfile, error) {
	var item UserProfile
	var permissionsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, role, department, permissions, is_active, created_at
		FROM user_profiles
		WHERE user_id=$1
	`, userID).Scan(&item.ID, &item.UserID, &item.Role, &item.Department, &permissionsRaw, &item.IsActive, &item.CreatedAt)
	if err != nil {
		return UserProfile{}, err
	}
	_ = json.Unmarshal(permissionsRaw, &item.Permissions)
	return item, nil
}

func (s *PostgresStore) CreateProfile(ctx context.Context, profile UserProfile) error {
	permissions := profile.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	encoded, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (id, user_id, role, department, permissions, is_active)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, profile.ID, profile.UserID, profile.Role, profile.Department, string(encoded), profile.IsActive)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, industry, size, description, created_by, created_at, updated_at
		FROM organizations
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	items := make([]Organization, 0)
	for rows.Next() {
		var item Organization
		if err := rows.Scan(&item.ID, &item.Name, &item.Industry, &item.Size, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var item Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, industry, size, description, created_by, created_at, updated_at
		FROM organizations
		WHERE id=$1
	`, orgID).Scan(&item.ID, &item.Name, &item.Industry, &item.Size, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Organization{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, item Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, industry, size, description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.Name, item.Industry, item.Size, item.Description, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrganization(ctx context.Context, orgID, name, industry, size, description string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET name=$2, industry=$3, size=$4, description=$5, updated_at=NOW()
		WHERE id=$1
	`, orgID, name, industry, size, description)
	if err != nil {
		return false, fmt.Errorf("update organization: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update organization rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertKnowledgeItem(ctx context.Context, item KnowledgeItem) error {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal knowledge tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (id, title, content, category, tags, industry, created_by, usage_count, is_approved)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, item.ID, item.Title, item.Content, item.Category, string(encodedTags), item.Industry, item.CreatedBy, item.UsageCount, item.IsApproved)
	if err != nil {
		return fmt.Errorf("insert knowledge item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKnowledgeItem(ctx context.Context, itemID string) (KnowledgeItem, error) {
	var item KnowledgeItem
	var tagsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, category, tags, industry, created_by, usage_count, is_approved, created_at
		FROM knowledge_items
		WHERE id=$1
	`, itemID).Scan(&item.ID, &item.Title, &item.Content, &item.Category, &tagsRaw, &item.Industry, &item.CreatedBy, &item.UsageCount, &item.IsApproved, &item.CreatedAt)
	if err != nil {
		return KnowledgeItem{}, err
	}
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	return item, nil
}

// ListKnowledgeByCategory returns approved entries only; pending entries
// stay invisible to browsing until a moderator approves them.
func (s *PostgresStore) ListKnowledgeByCategory(ctx context.Context, category string) ([]KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, category, tags, industry, created_by, usage_count, is_approved, created_at
		FROM knowledge_items
		WHERE is_approved
		  AND ($1='' OR category=$1)
		ORDER BY usage_count DESC, created_at DESC
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	items := make([]KnowledgeItem, 0)
	for rows.Next() {
		var item KnowledgeItem
		var tagsRaw []byte
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.Category, &tagsRaw, &item.Industry, &item.CreatedBy, &item.UsageCount, &item.IsApproved, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		_ = json.Unmarshal(tagsRaw, &item.Tags)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ApproveKnowledgeItem(ctx context.Context, itemID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items SET is_approved=TRUE WHERE id=$1
	`, itemID)
	if err != nil {
		return false, fmt.Errorf("approve knowledge item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve knowledge item rows: %w", err)
	}
	return affected > 0, nil
}

// IncrementKnowledgeUsage bumps usage_count in a single statement so
// concurrent callers never lose increments to read-modify-write races.
func (s *PostgresStore) IncrementKnowledgeUsage(ctx context.Context, itemID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items SET usage_count = usage_count + 1 WHERE id=$1
	`, itemID)
	if err != nil {
		return false, fmt.Errorf("increment knowledge usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment knowledge usage rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, status, orgID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, organization_id, status, priority, deadline, estimated_value,
			created_by, assigned_to, tags, current_version, is_template, created_at
		FROM proposals
		WHERE ($1='' OR status=$1)
		  AND ($2='' OR organization_id=$2)
		ORDER BY created_at DESC
	`, status, orgID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

func scanProposal(rows *sql.Rows) (Proposal, error) {
	var item Proposal
	var assignedRaw, tagsRaw []byte
	if err := rows.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.OrganizationID,
		&item.Status,
		&item.Priority,
		&item.Deadline,
		&item.EstimatedValue,
		&item.CreatedBy,
		&assignedRaw,
		&tagsRaw,
		&item.CurrentVersion,
		&item.IsTemplate,
		&item.CreatedAt,
	); err != nil {
		return Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	_ = json.Unmarshal(assignedRaw, &item.AssignedTo)
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	return item, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var item Proposal
	var assignedRaw, tagsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, organization_id, status, priority, deadline, estimated_value,
			created_by, assigned_to, tags, current_version, is_template, created_at
		FROM proposals
		WHERE id=$1
	`, proposalID).Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.OrganizationID,
		&item.Status,
		&item.Priority,
		&item.Deadline,
		&item.EstimatedValue,
		&item.CreatedBy,
		&assignedRaw,
		&tagsRaw,
		&item.CurrentVersion,
		&item.IsTemplate,
		&item.CreatedAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	_ = json.Unmarshal(assignedRaw, &item.AssignedTo)
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	return item, nil
}

func (s *PostgresStore) InsertProposal(ctx context.Context, item Proposal) error {
	assigned := item.AssignedTo
	if assigned == nil {
		assigned = []string{}
	}
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedAssigned, err := json.Marshal(assigned)
	if err != nil {
		return fmt.Errorf("marshal assigned_to: %w", err)
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal proposal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, title, description, organization_id, status, priority, deadline, estimated_value,
			created_by, assigned_to, tags, current_version, is_template)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13)
	`, item.ID, item.Title, item.Description, item.OrganizationID, item.Status, item.Priority, item.Deadline,
		item.EstimatedValue, item.CreatedBy, string(encodedAssigned), string(encodedTags), item.CurrentVersion, item.IsTemplate)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// UpdateProposal overwrites the patchable fields of a proposal. The
// organization reference, creator, and version bookkeeping are not
// touchable through this path.
func (s *PostgresStore) UpdateProposal(ctx context.Context, item Proposal) (bool, error) {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("marshal proposal tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET title=$2, description=$3, status=$4, priority=$5, deadline=$6, estimated_value=$7, tags=$8::jsonb
		WHERE id=$1
	`, item.ID, item.Title, item.Description, item.Status, item.Priority, item.Deadline,
		item.EstimatedValue, string(encodedTags))
	if err != nil {
		return false, fmt.Errorf("update proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update proposal rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status=$2 WHERE id=$1
	`, proposalID, status)
	if err != nil {
		return false, fmt.Errorf("update proposal status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update proposal status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, proposalID, userID, action, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (proposal_id, user_id, action, details)
		VALUES ($1, $2, $3, $4)
	`, proposalID, userID, action, details)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, proposalID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, user_id, action, details, created_at
		FROM activities
		WHERE proposal_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var item Activity
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.UserID, &item.Action, &item.Details, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, proposalID string) ([]ProposalSection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, title, content, section_type, sort_order, last_edited_by, version, is_locked, created_at, updated_at
		FROM proposal_sections
		WHERE proposal_id=$1
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]ProposalSection, 0)
	for rows.Next() {
		var item ProposalSection
		if err := rows.Scan(
			&item.ID,
			&item.ProposalID,
			&item.Title,
			&item.Content,
			&item.SectionType,
			&item.Order,
			&item.LastEditedBy,
			&item.Version,
			&item.IsLocked,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSection(ctx context.Context, item ProposalSection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_sections (id, proposal_id, title, content, section_type, sort_order, last_edited_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.ProposalID, item.Title, item.Content, item.SectionType, item.Order, item.LastEditedBy, item.Version)
	if err != nil {
		return fmt.Errorf("insert section: %w", err)
	}
	return nil
}

// UpdateSection matches on (id, proposal_id) so a section id from another
// proposal cannot be rewritten through the wrong parent. The version bump
// happens in the same statement; last write wins without losing counts.
func (s *PostgresStore) UpdateSection(ctx context.Context, sectionID, proposalID, title, content, sectionType string, order int, editedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposal_sections
		SET title=$3, content=$4, section_type=$5, sort_order=$6, last_edited_by=$7,
			version = version + 1, updated_at=NOW()
		WHERE id=$1 AND proposal_id=$2
	`, sectionID, proposalID, title, content, sectionType, order, editedBy)
	if err != nil {
		return false, fmt.Errorf("update section: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update section rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, proposalID, senderID, body string) (ChatMessage, error) {
	var msg ChatMessage
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (proposal_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING seq, proposal_id, sender_id, body, created_at
	`, proposalID, senderID, body).Scan(&msg.Seq, &msg.ProposalID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, proposalID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, proposal_id, sender_id, body, created_at
		FROM (
			SELECT seq, proposal_id, sender_id, body, created_at
			FROM chat_messages
			WHERE proposal_id=$1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.Seq, &item.ProposalID, &item.SenderID, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, proposal_id, file_name, file_type, storage_key, uploaded_by, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.ProposalID, item.FileName, item.FileType, item.StorageKey, item.UploadedBy, item.Size)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, proposalID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, file_name, file_type, storage_key, uploaded_by, size, created_at
		FROM attachments
		WHERE proposal_id=$1
		ORDER BY created_at DESC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.FileName, &item.FileType, &item.StorageKey, &item.UploadedBy, &item.Size, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
