package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"markdownflow/api/internal/anchor"
	"markdownflow/api/internal/apikey"
	"markdownflow/api/internal/auth"
	"markdownflow/api/internal/authpw"
	"markdownflow/api/internal/config"
	"markdownflow/api/internal/export"
	"markdownflow/api/internal/search"
	"markdownflow/api/internal/store"
	"markdownflow/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateFirstUser(context.Context, store.User) (bool, error)

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	EnsureProject(context.Context, string, string) (store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	GetProjectByName(context.Context, string, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)

	EnsureFile(context.Context, string, string) (store.File, error)
	GetFile(context.Context, string) (store.File, error)
	GetFileByName(context.Context, string, string) (store.File, error)
	ListFiles(context.Context, string) ([]store.File, error)

	InsertVersion(context.Context, store.FileVersion) error
	LatestVersion(context.Context, string) (store.FileVersion, error)
	ListVersions(context.Context, string) ([]store.VersionMeta, error)

	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, string) ([]store.Comment, error)

	InsertAPIKey(context.Context, store.APIKey) error
	APIKeysByPrefix(context.Context, string) ([]store.APIKey, error)
	ListAPIKeys(context.Context, string) ([]store.APIKey, error)
	DeleteAPIKey(context.Context, string, string) (bool, error)
	TouchAPIKey(context.Context, string) error

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error

	Ping(ctx context.Context) error
}

// refreshStore is the subset of dataStore that a Redis session backend
// can take over.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type mirrorService interface {
	RecordVersion(projectID, fileName, content, author string) (store.CommitInfo, error)
	History(projectID, fileName string, limit int) ([]store.CommitInfo, error)
}

type exportService interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	auth     *authpw.Service
	keys     *apikey.Service
	search   *search.Service
	mirror   mirrorService
	exporter exportService
}

func New(cfg config.Config, st dataStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: st,
		auth:     authpw.NewService(st),
		keys:     apikey.NewService(st),
	}
}

// UseSessionStore routes refresh tokens through an alternate backend.
func (s *Service) UseSessionStore(sessions refreshStore) {
	s.sessions = sessions
}

func (s *Service) UseSearch(svc *search.Service) {
	s.search = svc
}

func (s *Service) UseMirror(svc mirrorService) {
	s.mirror = svc
}

func (s *Service) UseExporter(svc exportService) {
	s.exporter = svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Sessions ---

func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.Register(ctx, authpw.RegisterRequest{Email: email, Password: password})
	if errors.Is(err, authpw.ErrRegistrationDisabled) {
		return Session{}, domainError(http.StatusForbidden, "REGISTRATION_DISABLED", "Registration disabled", nil)
	}
	if errors.Is(err, authpw.ErrValidation) {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
	}
	if errors.Is(err, authpw.ErrValidation) {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
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

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewSecret(32)
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
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
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
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

// ResolveAPIKey authenticates a bot request by raw key.
func (s *Service) ResolveAPIKey(ctx context.Context, rawKey string) (store.User, error) {
	user, err := s.keys.Resolve(ctx, rawKey)
	if errors.Is(err, apikey.ErrInvalidKey) {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key", nil)
	}
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

// --- Bot operations ---

// BotUpload ingests one file version, creating the project and file on
// first sight. Every upload appends a brand new version; nothing is
// overwritten.
func (s *Service) BotUpload(ctx context.Context, user store.User, projectName, fileName, content string) (map[string]any, error) {
	projectName = strings.TrimSpace(projectName)
	fileName = strings.TrimSpace(fileName)
	if projectName == "" || fileName == "" || content == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Missing required fields", nil)
	}

	project, err := s.store.EnsureProject(ctx, user.ID, projectName)
	if err != nil {
		return nil, err
	}
	file, err := s.store.EnsureFile(ctx, project.ID, fileName)
	if err != nil {
		return nil, err
	}

	version := store.FileVersion{
		ID:      util.NewID("ver"),
		FileID:  file.ID,
		Content: content,
	}
	if err := s.store.InsertVersion(ctx, version); err != nil {
		return nil, err
	}

	if s.mirror != nil {
		if _, err := s.mirror.RecordVersion(project.ID, file.Name, content, user.Email); err != nil {
			log.Printf("mirror: record version for %s/%s: %v", project.Name, file.Name, err)
		}
	}
	if s.search != nil {
		s.search.IndexFile(search.FileRecord{
			ID:        file.ID,
			Name:      file.Name,
			Content:   content,
			ProjectID: project.ID,
			OwnerID:   user.ID,
		})
	}

	return map[string]any{
		"success":   true,
		"projectId": project.ID,
		"fileId":    file.ID,
		"versionId": version.ID,
	}, nil
}

// BotDownload returns the latest stored version of a file.
func (s *Service) BotDownload(ctx context.Context, user store.User, projectName, fileName string) (map[string]any, error) {
	project, err := s.store.GetProjectByName(ctx, user.ID, projectName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return nil, err
	}

	file, err := s.store.GetFileByName(ctx, project.ID, fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "File not found", nil)
	}
	if err != nil {
		return nil, err
	}

	version, err := s.store.LatestVersion(ctx, file.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No content found", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":   version.Content,
		"versionId": version.ID,
		"createdAt": version.CreatedAt,
	}, nil
}

// BotFeedback returns all comments on a file, oldest first.
func (s *Service) BotFeedback(ctx context.Context, user store.User, projectName, fileName string) (map[string]any, error) {
	project, err := s.store.GetProjectByName(ctx, user.ID, projectName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return nil, err
	}

	file, err := s.store.GetFileByName(ctx, project.ID, fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "File not found", nil)
	}
	if err != nil {
		return nil, err
	}

	comments, err := s.store.ListComments(ctx, file.ID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		items = append(items, commentPayload(c))
	}
	return map[string]any{"comments": items}, nil
}

// --- Dashboard operations ---

func (s *Service) ListProjects(ctx context.Context, session Session) (map[string]any, error) {
	projects, err := s.store.ListProjects(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, map[string]any{
			"id":        p.ID,
			"name":      p.Name,
			"createdAt": p.CreatedAt,
		})
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	project, err := s.store.EnsureProject(ctx, session.UserID, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        project.ID,
		"name":      project.Name,
		"createdAt": project.CreatedAt,
	}, nil
}

func (s *Service) ListProjectFiles(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.projectForOwner(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, map[string]any{
			"id":        f.ID,
			"name":      f.Name,
			"createdAt": f.CreatedAt,
		})
	}
	return map[string]any{
		"project": map[string]any{"id": project.ID, "name": project.Name},
		"files":   items,
	}, nil
}

// FileView assembles the reviewer's view of a file: latest content,
// rendered HTML, resolved blocks with annotation flags, and the
// comment list. A file with no versions yet renders as empty rather
// than erroring; only bots see a 404 for missing content.
func (s *Service) FileView(ctx context.Context, session Session, fileID string) (map[string]any, error) {
	file, project, err := s.fileForOwner(ctx, session, fileID)
	if err != nil {
		return nil, err
	}

	content := ""
	var versionID any
	version, err := s.store.LatestVersion(ctx, file.ID)
	if err == nil {
		content = version.Content
		versionID = version.ID
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	comments, err := s.store.ListComments(ctx, file.ID)
	if err != nil {
		return nil, err
	}

	anchors := make([]int, 0, len(comments))
	for _, c := range comments {
		if c.LineNumber != nil {
			anchors = append(anchors, *c.LineNumber)
		}
	}

	blocks := anchor.Resolve(content, anchors)
	html, err := anchor.RenderHTML(content)
	if err != nil {
		return nil, err
	}

	commentItems := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		commentItems = append(commentItems, commentPayload(c))
	}

	return map[string]any{
		"file":      map[string]any{"id": file.ID, "name": file.Name},
		"project":   map[string]any{"id": project.ID, "name": project.Name},
		"versionId": versionID,
		"content":   content,
		"html":      html,
		"blocks":    blocks,
		"comments":  commentItems,
	}, nil
}

func (s *Service) ListFileVersions(ctx context.Context, session Session, fileID string) (map[string]any, error) {
	file, _, err := s.fileForOwner(ctx, session, fileID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"id":        v.ID,
			"size":      v.Size,
			"createdAt": v.CreatedAt,
		})
	}
	return map[string]any{"versions": items}, nil
}

// FileHistory reads the git mirror's commit log for a file.
func (s *Service) FileHistory(ctx context.Context, session Session, fileID string, limit int) (map[string]any, error) {
	if s.mirror == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MIRROR_DISABLED", "Git mirror is not configured", nil)
	}
	file, project, err := s.fileForOwner(ctx, session, fileID)
	if err != nil {
		return nil, err
	}
	commits, err := s.mirror.History(project.ID, file.Name, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, map[string]any{
			"hash":      c.Hash,
			"message":   c.Message,
			"author":    c.Author,
			"createdAt": c.CreatedAt,
			"added":     c.Added,
			"removed":   c.Removed,
		})
	}
	return map[string]any{"commits": items}, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, fileID string, lineNumber *int, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if lineNumber != nil && *lineNumber < 1 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "lineNumber must be positive", nil)
	}

	file, project, err := s.fileForOwner(ctx, session, fileID)
	if err != nil {
		return nil, err
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		FileID:      file.ID,
		AuthorID:    session.UserID,
		AuthorEmail: session.Email,
		LineNumber:  lineNumber,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:        comment.ID,
			Body:      comment.Content,
			FileID:    file.ID,
			ProjectID: project.ID,
			OwnerID:   session.UserID,
		})
	}

	return commentPayload(comment), nil
}

// --- API keys ---

func (s *Service) CreateAPIKey(ctx context.Context, session Session, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	generated, err := s.keys.Generate(ctx, session.UserID, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        generated.Key.ID,
		"name":      generated.Key.Name,
		"key":       generated.RawKey,
		"keyPrefix": generated.Key.KeyPrefix,
		"createdAt": generated.Key.CreatedAt,
	}, nil
}

func (s *Service) ListAPIKeys(ctx context.Context, session Session) (map[string]any, error) {
	keys, err := s.store.ListAPIKeys(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		items = append(items, map[string]any{
			"id":         k.ID,
			"name":       k.Name,
			"keyPrefix":  k.KeyPrefix,
			"lastUsedAt": k.LastUsedAt,
			"createdAt":  k.CreatedAt,
		})
	}
	return map[string]any{"keys": items}, nil
}

func (s *Service) DeleteAPIKey(ctx context.Context, session Session, keyID string) error {
	deleted, err := s.store.DeleteAPIKey(ctx, keyID, session.UserID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
	}
	return nil
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text, filterType, projectID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if filterType != "" && filterType != string(search.ResultFile) && filterType != string(search.ResultComment) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be file or comment", nil)
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		OwnerID:         session.UserID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// --- Export ---

func (s *Service) ExportFile(ctx context.Context, session Session, fileID, format string, includeComments bool) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	file, _, err := s.fileForOwner(ctx, session, fileID)
	if err != nil {
		return nil, err
	}

	result, err := s.exporter.Export(ctx, export.Request{
		FileID:          file.ID,
		Format:          export.Format(format),
		IncludeComments: includeComments,
	})
	if errors.Is(err, export.ErrContentUnavailable) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No content found", nil)
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependencies are not installed", nil)
	}
	if err != nil && strings.Contains(err.Error(), "unsupported format") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or docx", nil)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- helpers ---

func (s *Service) projectForOwner(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return store.Project{}, err
	}
	// Hide other owners' projects rather than revealing their existence.
	if project.OwnerID != session.UserID {
		return store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	return project, nil
}

func (s *Service) fileForOwner(ctx context.Context, session Session, fileID string) (store.File, store.Project, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.File{}, store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "File not found", nil)
	}
	if err != nil {
		return store.File{}, store.Project{}, err
	}
	project, err := s.projectForOwner(ctx, session, file.ProjectID)
	if err != nil {
		return store.File{}, store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "File not found", nil)
	}
	return file, project, nil
}

func commentPayload(c store.Comment) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"lineNumber": c.LineNumber,
		"content":    c.Content,
		"author":     c.AuthorEmail,
		"createdAt":  c.CreatedAt,
	}
}
