package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultFile    ResultType = "file"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	FileID    string     `json:"fileId"`
	ProjectID string     `json:"projectId"`
}

// Query describes a search request. OwnerID scopes results to the
// requesting user's projects.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	OwnerID         string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexFile(f FileRecord) error
	IndexComment(c CommentRecord) error
	DeleteFile(id string) error
}

// FileRecord is the data we index for a file. Content is the latest
// version's markdown.
type FileRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	ProjectID string `json:"projectId"`
	OwnerID   string `json:"ownerId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	FileID    string `json:"fileId"`
	ProjectID string `json:"projectId"`
	OwnerID   string `json:"ownerId"`
}
