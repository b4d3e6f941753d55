package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// UserRef is the denormalized creator/editor shape embedded in responses.
type UserRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type UserProfile struct {
	ID          string
	UserID      string
	Role        string
	Department  string
	Permissions []string
	IsActive    bool
	CreatedAt   time.Time
}

type Organization struct {
	ID          string
	Name        string
	Industry    string
	Size        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Proposal struct {
	ID             string
	Title          string
	Description    string
	OrganizationID string
	Status         string
	Priority       string
	Deadline       time.Time
	EstimatedValue float64
	CreatedBy      string
	AssignedTo     []string
	Tags           []string
	CurrentVersion int
	IsTemplate     bool
	CreatedAt      time.Time
}

type ProposalSection struct {
	ID           string
	ProposalID   string
	Title        string
	Content      string
	SectionType  string
	Order        int
	LastEditedBy string
	Version      int
	IsLocked     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type KnowledgeItem struct {
	ID         string
	Title      string
	Content    string
	Category   string
	Tags       []string
	Industry   string
	CreatedBy  string
	UsageCount int
	IsApproved bool
	CreatedAt  time.Time
}

type Activity struct {
	ID         int64
	ProposalID string
	UserID     string
	Action     string
	Details    string
	CreatedAt  time.Time
}

// ChatMessage rows carry a store-assigned monotonic sequence number; the
// broadcast path carries Seq so readers can order live and replayed
// messages consistently.
type ChatMessage struct {
	Seq        int64
	ProposalID string
	SenderID   string
	Body       string
	CreatedAt  time.Time
}

type Attachment struct {
	ID         string
	ProposalID string
	FileName   string
	FileType   string
	StorageKey string
	UploadedBy string
	Size       int64
	CreatedAt  time.Time
}
