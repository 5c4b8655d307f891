package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// ChatConfigRepository stores chat configurations as JSONB documents.
type ChatConfigRepository struct {
	db *sql.DB
}

func (r *ChatConfigRepository) SaveChatConfig(ctx context.Context, cfg *models.ChatConfig) error {
	if err := persistence.ValidateID(cfg.ChatID); err != nil {
		return persistence.NewError("SaveChatConfig", "chat config", cfg.ChatID, err)
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return persistence.NewError("SaveChatConfig", "chat config", cfg.ChatID, fmt.Errorf("failed to marshal chat config: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO chat_configs (chat_id, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at
	`, cfg.ChatID, configJSON)
	if err != nil {
		return persistence.NewError("SaveChatConfig", "chat config", cfg.ChatID, err)
	}

	return nil
}

func (r *ChatConfigRepository) ChatConfigByID(ctx context.Context, chatID string) (*models.ChatConfig, error) {
	var configJSON []byte

	err := r.db.QueryRowContext(ctx, `SELECT config FROM chat_configs WHERE chat_id = $1`, chatID).Scan(&configJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewError("ChatConfigByID", "chat config", chatID, persistence.ErrChatConfigNotFound)
		}

		return nil, persistence.NewError("ChatConfigByID", "chat config", chatID, err)
	}

	var cfg models.ChatConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, persistence.NewError("ChatConfigByID", "chat config", chatID, fmt.Errorf("failed to unmarshal chat config: %w", err))
	}

	return &cfg, nil
}
