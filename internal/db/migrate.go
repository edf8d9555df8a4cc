package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS "Profile" (
  "userId" TEXT PRIMARY KEY,
  email TEXT NULL,
  "birthDate" DATE NOT NULL,
  "birthTime" TEXT NULL,
  "birthLocation" TEXT NOT NULL,
  "birthCountry" TEXT NOT NULL,
  "zodiacSign" TEXT NOT NULL,
  timezone TEXT NULL,
  "createdAt" TIMESTAMPTZ NOT NULL DEFAULT now(),
  "updatedAt" TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS "Conversation" (
  id TEXT PRIMARY KEY,
  "userId" TEXT NOT NULL,
  "agentName" TEXT NOT NULL,
  title TEXT NULL,
  "metadataJson" JSONB NULL,
  "createdAt" TIMESTAMPTZ NOT NULL DEFAULT now(),
  "updatedAt" TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS "Conversation_userId_updatedAt_idx"
  ON "Conversation" ("userId", "updatedAt" DESC);

CREATE TABLE IF NOT EXISTS "ConversationMessage" (
  id TEXT PRIMARY KEY,
  "conversationId" TEXT NOT NULL REFERENCES "Conversation"(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  "createdAt" TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS "ConversationMessage_conversationId_createdAt_idx"
  ON "ConversationMessage" ("conversationId", "createdAt");

CREATE TABLE IF NOT EXISTS "ClientStorage" (
  namespace TEXT NOT NULL,
  key TEXT NOT NULL,
  value TEXT NOT NULL,
  "updatedAt" TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, key)
);
`

// AutoMigrate applies the schema; every statement is idempotent.
func AutoMigrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
