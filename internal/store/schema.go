package store

import (
	"database/sql"
	"errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS whatsapp_message_log (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT,
	request_id   TEXT,
	to_number    TEXT NOT NULL,
	jid          TEXT NOT NULL,
	message_text TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	queued_at    TIMESTAMPTZ NOT NULL,
	sent_at      TIMESTAMPTZ,
	failed_at    TIMESTAMPTZ,
	last_error   TEXT,
	queue_job_id TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS whatsapp_message_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT,
	request_id   TEXT,
	to_number    TEXT NOT NULL,
	jid          TEXT NOT NULL,
	message_text TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	queued_at    DATETIME NOT NULL,
	sent_at      DATETIME,
	failed_at    DATETIME,
	last_error   TEXT,
	queue_job_id TEXT,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const indexSchema = `CREATE INDEX IF NOT EXISTS idx_whatsapp_message_log_status ON whatsapp_message_log (status, id)`

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
