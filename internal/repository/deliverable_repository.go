// internal/repository/deliverable_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"payment-reconciliation/internal/models"
)

// DeliverableRepository reads the analysis pipeline's store_analyses table.
type DeliverableRepository struct {
	db *sql.DB
}

func NewDeliverableRepository(db *sql.DB) *DeliverableRepository {
	return &DeliverableRepository{db: db}
}

// StateForPayment reports whether work bought by the payment has started:
// the analysis is processing or completed, or files were uploaded for it.
func (r *DeliverableRepository) StateForPayment(ctx context.Context, paymentID string) (models.DeliverableState, error) {
	query := `
		SELECT status, analysis_data
		FROM store_analyses WHERE payment_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		return models.DeliverableNone, err
	}
	defer rows.Close()

	state := models.DeliverableNone
	for rows.Next() {
		var (
			status string
			raw    []byte
		)
		if err := rows.Scan(&status, &raw); err != nil {
			return models.DeliverableNone, err
		}
		if deliverableStarted(status, raw) {
			return models.DeliverableStarted, nil
		}
		state = models.DeliverablePending
	}
	return state, rows.Err()
}

func deliverableStarted(status string, analysisData []byte) bool {
	if status == "processing" || status == "completed" {
		return true
	}
	if len(analysisData) == 0 {
		return false
	}

	var data struct {
		UploadedFiles []json.RawMessage `json:"uploaded_files"`
	}
	if err := json.Unmarshal(analysisData, &data); err != nil {
		return false
	}
	return len(data.UploadedFiles) > 0
}
