package store

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL UNIQUE,
    token TEXT NOT NULL DEFAULT '',
    session_token TEXT NOT NULL DEFAULT '',
    options TEXT NOT NULL DEFAULT '',
    next_webhook_id INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhooks (
    account_username TEXT NOT NULL REFERENCES accounts(username) ON DELETE CASCADE,
    hook_id TEXT NOT NULL,
    url TEXT NOT NULL,
    include_text BOOLEAN NOT NULL DEFAULT true,
    PRIMARY KEY (account_username, hook_id)
);

CREATE TABLE IF NOT EXISTS app_users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT true,
    refresh_token TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_webhooks_account ON webhooks(account_username);
CREATE INDEX IF NOT EXISTS idx_app_users_refresh ON app_users(refresh_token);
`
