// Package portfolio manages portfolios, their positions, and the
// per-portfolio analytics derived by the nightly refresh: snapshots,
// pairwise correlations, aggregated factor exposures, and stress results.
package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/domain"
)

// Repository handles portfolio and position database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// Create registers a new portfolio and returns it
func (r *Repository) Create(name, baseCurrency string) (*domain.Portfolio, error) {
	p := &domain.Portfolio{
		ID:           uuid.NewString(),
		Name:         name,
		BaseCurrency: baseCurrency,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := r.db.Exec(
		`INSERT INTO portfolios (id, name, base_currency, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.BaseCurrency, p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to create portfolio %s: %w", name, err)
	}

	return p, nil
}

// GetAll returns all portfolios ordered by name
func (r *Repository) GetAll() ([]domain.Portfolio, error) {
	rows, err := r.db.Query(`SELECT id, name, base_currency, created_at FROM portfolios ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var portfolios []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseCurrency, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			p.CreatedAt = parsed
		}
		portfolios = append(portfolios, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}

	return portfolios, nil
}

// GetPositions returns all positions for a portfolio, ordered by symbol
func (r *Repository) GetPositions(portfolioID string) ([]domain.Position, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, symbol, quantity, cost_basis
		 FROM positions WHERE portfolio_id = ? ORDER BY symbol`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var pos domain.Position
		if err := rows.Scan(&pos.PortfolioID, &pos.Symbol, &pos.Quantity, &pos.CostBasis); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// UpsertPosition creates or replaces a position
func (r *Repository) UpsertPosition(pos domain.Position) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO positions (portfolio_id, symbol, quantity, cost_basis)
		 VALUES (?, ?, ?, ?)`,
		pos.PortfolioID, pos.Symbol, pos.Quantity, pos.CostBasis)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s/%s: %w", pos.PortfolioID, pos.Symbol, err)
	}
	return nil
}
