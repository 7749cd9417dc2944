package db

import (
	"context"
	"fmt"
	"strings"
)

const preAutoMigrateSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE SCHEMA IF NOT EXISTS river;
`

const postAutoMigrateSQL = `
CREATE INDEX IF NOT EXISTS items_topic_id_idx ON river.items (topic_id);
CREATE INDEX IF NOT EXISTS items_ingested_at_idx ON river.items (ingested_at DESC);
CREATE INDEX IF NOT EXISTS items_embedding_idx
	ON river.items USING hnsw (embedding vector_cosine_ops)
	WHERE embedding IS NOT NULL;
CREATE INDEX IF NOT EXISTS queue_messages_pending_idx
	ON river.queue_messages (message_id)
	WHERE status = 'pending';
`

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := executeMigrationSQL(ctx, p, "pre-auto-migrate", preAutoMigrateSQL); err != nil {
		return err
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	return executeMigrationSQL(ctx, p, "post-auto-migrate", postAutoMigrateSQL)
}

func executeMigrationSQL(ctx context.Context, p *Pool, label, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil
	}
	for _, statement := range strings.Split(trimmed, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if err := p.gdb.WithContext(ctx).Exec(statement).Error; err != nil {
			return fmt.Errorf("execute %s SQL: %w", label, err)
		}
	}
	return nil
}
