// internal/repository/ticket_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"payment-reconciliation/internal/models"
)

type TicketRepository struct {
	db *sql.DB
}

func NewTicketRepository(db *sql.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

const ticketColumns = `id, category, payment_ref, order_ref, context, status, priority, created_at`

// Create returns ErrDuplicate when an open ticket with the same category,
// payment and order exists.
func (r *TicketRepository) Create(ctx context.Context, t *models.Ticket) error {
	query := `INSERT INTO escalation_tickets (` + ticketColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.Category,
		t.PaymentRef,
		t.OrderRef,
		t.Context,
		t.Status,
		t.Priority,
		t.CreatedAt,
	)
	return mapError(err)
}

func (r *TicketRepository) FindOpen(ctx context.Context, category models.TicketCategory, paymentRef, orderRef string) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM escalation_tickets
		WHERE category = $1 AND payment_ref = $2 AND order_ref = $3 AND status = 'open'`

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, category, paymentRef, orderRef))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

// List returns the newest tickets, optionally filtered by status.
func (r *TicketRepository) List(ctx context.Context, status models.TicketStatus, limit int) ([]*models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + ticketColumns + ` FROM escalation_tickets
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	t := &models.Ticket{}
	err := row.Scan(
		&t.ID,
		&t.Category,
		&t.PaymentRef,
		&t.OrderRef,
		&t.Context,
		&t.Status,
		&t.Priority,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
