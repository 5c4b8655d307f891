package file

import (
	"context"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// ChatConfigRepository stores chat configurations under chat_configs/.
type ChatConfigRepository struct {
	store jsonDir
}

func (r *ChatConfigRepository) SaveChatConfig(_ context.Context, cfg *models.ChatConfig) error {
	if err := r.store.write(cfg.ChatID, cfg); err != nil {
		return persistence.NewError("SaveChatConfig", "chat config", cfg.ChatID, err)
	}

	return nil
}

func (r *ChatConfigRepository) ChatConfigByID(_ context.Context, chatID string) (*models.ChatConfig, error) {
	var cfg models.ChatConfig

	found, err := r.store.read(chatID, &cfg)
	if err != nil {
		return nil, persistence.NewError("ChatConfigByID", "chat config", chatID, err)
	}

	if !found {
		return nil, persistence.NewError("ChatConfigByID", "chat config", chatID, persistence.ErrChatConfigNotFound)
	}

	return &cfg, nil
}
