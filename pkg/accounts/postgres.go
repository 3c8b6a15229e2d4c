/*
 * Copyright (c) 2018 ARM Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PelionIoT/ref-wem/pkg/models"
)

const pgUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	api_key      TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	url          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS webhook_auths (
	token      TEXT PRIMARY KEY,
	account_id TEXT NOT NULL UNIQUE REFERENCES accounts(id) ON DELETE CASCADE
);
`

// PostgresRegistry is the durable Registry backend.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry connects to Postgres and ensures the schema exists.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresRegistry{pool: pool}, nil
}

func (p *PostgresRegistry) Close() {
	p.pool.Close()
}

func (p *PostgresRegistry) Create(ctx context.Context, account models.Account) (models.Account, error) {
	if account.APIKey == "" {
		return models.Account{}, ErrMissingAPIKey
	}

	account = withDefaults(account)
	token := uuid.NewString()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, api_key, display_name, url) VALUES ($1, $2, $3, $4)`,
		account.ID, account.APIKey, account.DisplayName, account.URL)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.Account{}, ErrDuplicateAPIKey
		}

		return models.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO webhook_auths (token, account_id) VALUES ($1, $2)`,
		token, account.ID)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to insert webhook auth: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, fmt.Errorf("failed to commit: %w", err)
	}

	return account, nil
}

func (p *PostgresRegistry) GetByID(ctx context.Context, id string) (models.Account, error) {
	return p.getAccount(ctx,
		`SELECT id, api_key, display_name, url FROM accounts WHERE id = $1`, id)
}

func (p *PostgresRegistry) GetByWebhookToken(ctx context.Context, token string) (models.Account, models.WebhookAuth, error) {
	account, err := p.getAccount(ctx,
		`SELECT a.id, a.api_key, a.display_name, a.url
		 FROM accounts a JOIN webhook_auths w ON w.account_id = a.id
		 WHERE w.token = $1`, token)
	if err != nil {
		return models.Account{}, models.WebhookAuth{}, err
	}

	return account, models.WebhookAuth{Token: token, AccountID: account.ID}, nil
}

func (p *PostgresRegistry) WebhookAuth(ctx context.Context, accountID string) (models.WebhookAuth, error) {
	var token string

	err := p.pool.QueryRow(ctx,
		`SELECT token FROM webhook_auths WHERE account_id = $1`, accountID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookAuth{}, ErrNotFound
	}

	if err != nil {
		return models.WebhookAuth{}, fmt.Errorf("failed to query webhook auth: %w", err)
	}

	return models.WebhookAuth{Token: token, AccountID: accountID}, nil
}

func (p *PostgresRegistry) List(ctx context.Context) ([]models.Account, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, api_key, display_name, url FROM accounts ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}

	defer rows.Close()

	var accounts []models.Account

	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.APIKey, &a.DisplayName, &a.URL); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}

		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	return accounts, nil
}

func (p *PostgresRegistry) getAccount(ctx context.Context, query string, arg interface{}) (models.Account, error) {
	var a models.Account

	err := p.pool.QueryRow(ctx, query, arg).Scan(&a.ID, &a.APIKey, &a.DisplayName, &a.URL)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}

	if err != nil {
		return models.Account{}, fmt.Errorf("failed to query account: %w", err)
	}

	return a, nil
}
