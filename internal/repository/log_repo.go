package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// Create creates a new provision log entry
func (r *LogRepository) Create(ctx context.Context, logEntry *models.ProvisionLog) error {
	if logEntry.ID == "" {
		logEntry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provision_logs (id, user_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		logEntry.ID, logEntry.UserID, logEntry.Action, logEntry.Status, logEntry.Message, logEntry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert provision log: %w", err)
	}

	return nil
}

// GetByUserID retrieves the latest logs of a user
func (r *LogRepository) GetByUserID(ctx context.Context, userID int64, limit int) ([]*models.ProvisionLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, action, status, message, metadata, created_at
		FROM provision_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query provision logs: %w", err)
	}
	defer rows.Close()

	var logEntries []*models.ProvisionLog
	for rows.Next() {
		logEntry := &models.ProvisionLog{}
		err := rows.Scan(
			&logEntry.ID, &logEntry.UserID, &logEntry.Action, &logEntry.Status,
			&logEntry.Message, &logEntry.Metadata, &logEntry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provision log: %w", err)
		}
		logEntries = append(logEntries, logEntry)
	}

	return logEntries, rows.Err()
}

// LogActionWithMetadata is a helper to log an action with metadata
func (r *LogRepository) LogActionWithMetadata(ctx context.Context, userID int64, action, status, message string, metadata map[string]interface{}) error {
	logEntry := &models.ProvisionLog{
		UserID:   userID,
		Action:   action,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	}
	return r.Create(ctx, logEntry)
}
