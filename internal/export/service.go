package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html/template"

	"markdownflow/api/internal/anchor"
	"markdownflow/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetFile(ctx context.Context, fileID string) (store.File, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	LatestVersion(ctx context.Context, fileID string) (store.FileVersion, error)
	ListComments(ctx context.Context, fileID string) ([]store.Comment, error)
}

// Service provides file export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export of the file's latest version in the
// requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	file, err := s.store.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	project, err := s.store.GetProject(ctx, file.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	version, err := s.store.LatestVersion(ctx, file.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContentUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("get latest version: %w", err)
	}

	contentHTML, err := anchor.RenderHTML(version.Content)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	data := TemplateData{
		Title:       file.Name,
		ProjectName: project.Name,
		ContentHTML: template.HTML(contentHTML),
		UpdatedAt:   version.CreatedAt,
		Comments:    []TemplateComment{},
	}

	if req.IncludeComments {
		comments, err := s.store.ListComments(ctx, file.ID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		for _, c := range comments {
			item := TemplateComment{
				Author:    c.AuthorEmail,
				Body:      c.Content,
				CreatedAt: c.CreatedAt,
			}
			if c.LineNumber != nil {
				item.Line = *c.LineNumber
			}
			data.Comments = append(data.Comments, item)
		}
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, file.Name)
	case FormatDOCX:
		return exportDOCX(html, file.Name)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
