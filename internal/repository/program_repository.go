package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/swimbuddz/academy-api/internal/models"
)

// ProgramRepository handles persistence of programs.
type ProgramRepository struct {
	db *sqlx.DB
}

// NewProgramRepository constructs the repository.
func NewProgramRepository(db *sqlx.DB) *ProgramRepository {
	return &ProgramRepository{db: db}
}

// FindByID returns a program by its ID.
func (r *ProgramRepository) FindByID(ctx context.Context, id string) (*models.Program, error) {
	const query = `SELECT id, name, duration_weeks, price_amount, currency, is_published, created_at, updated_at
        FROM programs WHERE id = $1`
	var program models.Program
	if err := r.db.GetContext(ctx, &program, query, id); err != nil {
		return nil, err
	}
	return &program, nil
}

// ListPublished returns published programs.
func (r *ProgramRepository) ListPublished(ctx context.Context) ([]models.Program, error) {
	const query = `SELECT id, name, duration_weeks, price_amount, currency, is_published, created_at, updated_at
        FROM programs WHERE is_published = TRUE ORDER BY name`
	var programs []models.Program
	if err := r.db.SelectContext(ctx, &programs, query); err != nil {
		return nil, fmt.Errorf("list published programs: %w", err)
	}
	return programs, nil
}
