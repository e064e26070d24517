// Copyright 2026 Dominik Schlosser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists the issuance engine's entities through bun.
// It speaks sqlite for local development and tests, postgres for
// production.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

// Open connects to the database identified by driver ("sqlite3" or
// "postgres") and dsn.
func Open(driver, dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	switch driver {
	case "sqlite3":
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	case "postgres":
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates all tables if they do not exist.
func Migrate(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*model.Session)(nil),
		(*model.User)(nil),
		(*model.CredentialTemplate)(nil),
		(*model.Application)(nil),
		(*model.CredentialIssuance)(nil),
		(*model.SiopOffer)(nil),
		(*model.CredOffer)(nil),
		(*model.StepAction)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table for %T: %w", m, err)
		}
	}
	return nil
}
