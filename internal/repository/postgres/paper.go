package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/medrag/internal/repository"
)

const paperColumns = `id, source, title, abstract, body, authors, keywords, journal, doi,
	publication_date, COALESCE(year, 0), created_at, updated_at`

// PaperRepo implements repository.PaperRepository
type PaperRepo struct {
	db *DB
}

// NewPaperRepo creates a new paper repository
func NewPaperRepo(db *DB) *PaperRepo {
	return &PaperRepo{db: db}
}

// Upsert inserts or replaces papers in one batch.
func (r *PaperRepo) Upsert(ctx context.Context, papers []*repository.Paper) error {
	if len(papers) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range papers {
		batch.Queue(`
			INSERT INTO papers (id, source, title, abstract, body, authors, keywords, journal, doi,
				publication_date, year, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, 0), NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				source = EXCLUDED.source,
				title = EXCLUDED.title,
				abstract = EXCLUDED.abstract,
				body = EXCLUDED.body,
				authors = EXCLUDED.authors,
				keywords = EXCLUDED.keywords,
				journal = EXCLUDED.journal,
				doi = EXCLUDED.doi,
				publication_date = EXCLUDED.publication_date,
				year = EXCLUDED.year,
				updated_at = NOW()
		`, p.ID, p.Source, p.Title, p.Abstract, p.Text, nonNil(p.Authors), nonNil(p.Keywords),
			p.Journal, p.DOI, p.PublicationDate, p.Year)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, p := range papers {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert paper %s: %w", p.ID, err)
		}
	}
	return nil
}

// GetByID retrieves a paper by ID
func (r *PaperRepo) GetByID(ctx context.Context, id string) (*repository.Paper, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+paperColumns+` FROM papers WHERE id = $1`, id)
	p, err := scanPaper(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get paper: %w", err)
	}
	return p, nil
}

// List retrieves papers ordered by ID with pagination
func (r *PaperRepo) List(ctx context.Context, limit, offset int) ([]*repository.Paper, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+paperColumns+` FROM papers ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list papers: %w", err)
	}
	defer rows.Close()

	var papers []*repository.Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list papers: %w", err)
	}
	return papers, total, nil
}

// Count returns the number of stored papers.
func (r *PaperRepo) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM papers`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count papers: %w", err)
	}
	return total, nil
}

func scanPaper(row pgx.Row) (*repository.Paper, error) {
	var p repository.Paper
	err := row.Scan(&p.ID, &p.Source, &p.Title, &p.Abstract, &p.Text, &p.Authors, &p.Keywords,
		&p.Journal, &p.DOI, &p.PublicationDate, &p.Year, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ repository.PaperRepository = (*PaperRepo)(nil)
