// Package repository defines the paper model and its persistence interface.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Sources
const (
	SourcePubMed   = "pubmed"
	SourceOpenAlex = "openalex"
)

// Paper is one ingested publication.
type Paper struct {
	// ID is source-qualified, e.g. "pubmed:31978945".
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Title           string    `json:"title"`
	Abstract        string    `json:"abstract"`
	Text            string    `json:"text,omitempty"`
	Authors         []string  `json:"authors"`
	Keywords        []string  `json:"keywords"`
	Journal         string    `json:"journal,omitempty"`
	DOI             string    `json:"doi,omitempty"`
	PublicationDate string    `json:"publication_date,omitempty"`
	Year            int       `json:"year,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IndexText is the text embedded and scored for retrieval.
func (p *Paper) IndexText() string {
	switch {
	case p.Title == "":
		return p.Abstract
	case p.Abstract == "":
		return p.Title
	default:
		return p.Title + " " + p.Abstract
	}
}

// PaperRepository defines operations for paper persistence
type PaperRepository interface {
	// Upsert inserts papers or replaces existing ones with the same ID.
	Upsert(ctx context.Context, papers []*Paper) error
	GetByID(ctx context.Context, id string) (*Paper, error)
	// List returns papers ordered by ID and the total count.
	List(ctx context.Context, limit, offset int) ([]*Paper, int, error)
	Count(ctx context.Context) (int, error)
}
