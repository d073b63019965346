package store

import "time"

const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Project is a named collection of files owned by exactly one user.
type Project struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

type File struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

// FileVersion is an immutable full-content snapshot. Rows are never
// updated or deleted; the newest created_at wins "latest".
type FileVersion struct {
	ID        string
	FileID    string
	Content   string
	CreatedAt time.Time
}

// VersionMeta is version metadata without the content blob.
type VersionMeta struct {
	ID        string
	Size      int
	CreatedAt time.Time
}

// Comment is line-anchored human feedback. LineNumber is nil for
// file-level comments and is stored verbatim, never validated against
// any version's content.
type Comment struct {
	ID          string
	FileID      string
	AuthorID    string
	AuthorEmail string
	LineNumber  *int
	Content     string
	CreatedAt   time.Time
}

// APIKey is a bot credential. Only the bcrypt hash and a display
// prefix survive creation; the raw secret is shown exactly once.
type APIKey struct {
	ID         string
	UserID     string
	KeyPrefix  string
	KeyHash    string
	Name       string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// CommitInfo describes one entry of a file's git-mirror history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Added     int
	Removed   int
}
