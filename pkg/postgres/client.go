// Package postgres wraps database/sql over lib/pq for the direct-database
// fetch mode. The pool retains up to MinIdleConns idle connections between
// queries instead of closing them, so repeated range scans do not churn
// connections; connections are opened on demand and none are pre-opened.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clinsight/fhir-pipes/pkg/config"
	_ "github.com/lib/pq"
)

type Client struct {
	DB  *sql.DB
	cfg config.JdbcConfig
}

func New(cfg config.JdbcConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MinIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db, cfg: cfg}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// MaxID returns MAX(id) for the given table, or 0 for an empty table. Table
// names come from the vetted table-FHIR map, never from user input.
func (c *Client) MaxID(ctx context.Context, table string) (int64, error) {
	var maxID sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(%s_id) FROM %s", table, table)
	if err := c.DB.QueryRowContext(ctx, query).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("querying max id of %s: %w", table, err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}

// UUIDs returns the uuid column of rows whose integer PK lies in [from, to).
func (c *Client) UUIDs(ctx context.Context, table string, from, to int64) ([]string, error) {
	query := fmt.Sprintf("SELECT uuid FROM %s WHERE %s_id >= $1 AND %s_id < $2", table, table, table)
	rows, err := c.DB.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying uuids of %s [%d,%d): %w", table, from, to, err)
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("scanning uuid row of %s: %w", table, err)
		}
		uuids = append(uuids, uuid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uuid rows of %s: %w", table, err)
	}
	return uuids, nil
}
