package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voice-expense-service/internal/models"
)

// PostgresStore stores proposals in the expense_proposals table and ranks
// similarity with pg_trgm.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a pool for url and verifies it.
func Connect(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

const proposalColumns = `id::text, user_id, amount_cents, currency, merchant, category, description,
		       expense_date, original_text, status, created_at`

func (s *PostgresStore) Insert(ctx context.Context, p models.Proposal) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO expense_proposals (id, user_id, amount_cents, currency, merchant, category, description,
		                               expense_date, original_text, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.UserID, p.AmountCents, p.Currency, p.Merchant, p.Category, p.Description,
		models.TruncateDay(p.Date), p.OriginalText, string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Proposal, error) {
	row := s.db.QueryRow(ctx, `SELECT `+proposalColumns+` FROM expense_proposals WHERE id=$1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Proposal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE expense_proposals SET status=$2, updated_at=now() WHERE id=$1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("update proposal status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, p models.Proposal) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE expense_proposals
		SET amount_cents=$2, currency=$3, merchant=$4, category=$5, description=$6,
		    expense_date=$7, status=$8, updated_at=now()
		WHERE id=$1
	`, p.ID, p.AmountCents, p.Currency, p.Merchant, p.Category, p.Description,
		models.TruncateDay(p.Date), string(p.Status))
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM expense_proposals WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete proposal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// FindSimilar returns proposals inside the amount and date window ranked by
// trigram similarity of merchant and description against q.Description.
func (s *PostgresStore) FindSimilar(ctx context.Context, q SimilarityQuery) ([]Match, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+proposalColumns+`,
		       similarity(coalesce(merchant, '') || ' ' || coalesce(description, ''), $6) AS score
		FROM expense_proposals
		WHERE user_id=$1
		  AND status <> 'rejected'
		  AND amount_cents BETWEEN $2 AND $3
		  AND expense_date BETWEEN $4 AND $5
		ORDER BY score DESC, created_at ASC
		LIMIT $7
	`, q.UserID, q.MinCents, q.MaxCents, q.From, q.To, q.Description, limit)
	if err != nil {
		return nil, fmt.Errorf("find similar proposals: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var status string
		p := &m.Proposal
		if err := rows.Scan(&p.ID, &p.UserID, &p.AmountCents, &p.Currency, &p.Merchant, &p.Category,
			&p.Description, &p.Date, &p.OriginalText, &status, &p.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scan similar proposal: %w", err)
		}
		p.Status = models.ProposalStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func scanProposal(row pgx.Row) (models.Proposal, error) {
	var p models.Proposal
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.AmountCents, &p.Currency, &p.Merchant, &p.Category,
		&p.Description, &p.Date, &p.OriginalText, &status, &p.CreatedAt)
	if err != nil {
		return models.Proposal{}, err
	}
	p.Status = models.ProposalStatus(status)
	return p, nil
}
