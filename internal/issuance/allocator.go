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

// Package issuance handles the accounting side of credential issuance:
// allocating per-template application indices and keeping the status
// bit-vector consistent with entity-level claim/revocation flags.
package issuance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"

	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

// ErrAllocationConflict is returned when index allocation keeps losing
// the uniqueness race after retries.
var ErrAllocationConflict = errors.New("application index allocation conflict")

const allocationRetries = 3

// Allocator assigns dense, monotonically increasing application indices
// within a template's issuance space. Single allocations for the same
// template are serialized through a per-template lock; the composite
// uniqueness constraint on (template, index) is the storage backstop,
// and a lost race is retried with a fresh read of the maximum.
type Allocator struct {
	db    *bun.DB
	locks [64]sync.Mutex
}

// NewAllocator creates an Allocator on the given database.
func NewAllocator(db *bun.DB) *Allocator {
	return &Allocator{db: db}
}

// Link ensures an approved application owns a CredentialIssuance,
// allocating the next free index for its template. It is idempotent:
// an already-linked application returns its existing issuance.
func (a *Allocator) Link(ctx context.Context, app *model.Application) (*model.CredentialIssuance, error) {
	if app.Status != model.StatusApproved {
		return nil, fmt.Errorf("application %s is not approved", app.ID)
	}

	lock := a.templateLock(app.TemplateID)
	lock.Lock()
	defer lock.Unlock()

	var linked *model.CredentialIssuance
	op := func() error {
		ci, err := a.tryLink(ctx, app)
		if err != nil {
			if isUniqueViolation(err) {
				return err // lost the race to a concurrent allocation, re-read max
			}
			return backoff.Permanent(err)
		}
		linked = ci
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), allocationRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("allocating index for application %s: %w", app.ID, ErrAllocationConflict)
		}
		return nil, err
	}
	return linked, nil
}

// LinkBatch allocates count consecutive indices for applications of the
// same template in one transaction, reading the current maximum once.
func (a *Allocator) LinkBatch(ctx context.Context, templateID string, applicationIDs []string) ([]model.CredentialIssuance, error) {
	if len(applicationIDs) == 0 {
		return nil, nil
	}

	lock := a.templateLock(templateID)
	lock.Lock()
	defer lock.Unlock()

	var issuances []model.CredentialIssuance
	err := a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		next, err := nextIndex(ctx, tx, templateID)
		if err != nil {
			return err
		}
		issuances = make([]model.CredentialIssuance, len(applicationIDs))
		for i, appID := range applicationIDs {
			issuances[i] = model.CredentialIssuance{
				ID:               uuid.New().String(),
				TemplateID:       templateID,
				ApplicationID:    appID,
				ApplicationIndex: next + i,
			}
		}
		if _, err := tx.NewInsert().Model(&issuances).Exec(ctx); err != nil {
			return fmt.Errorf("inserting %d issuances: %w", len(issuances), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issuances, nil
}

// tryLink performs one allocation attempt inside a transaction.
func (a *Allocator) tryLink(ctx context.Context, app *model.Application) (*model.CredentialIssuance, error) {
	var linked *model.CredentialIssuance
	err := a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(model.CredentialIssuance)
		err := tx.NewSelect().Model(existing).Where("ci.application_id = ?", app.ID).Scan(ctx)
		switch {
		case err == nil:
			linked = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading issuance for application %s: %w", app.ID, err)
		}

		next, err := nextIndex(ctx, tx, app.TemplateID)
		if err != nil {
			return err
		}
		ci := &model.CredentialIssuance{
			ID:               uuid.New().String(),
			TemplateID:       app.TemplateID,
			ApplicationID:    app.ID,
			ApplicationIndex: next,
		}
		if _, err := tx.NewInsert().Model(ci).Exec(ctx); err != nil {
			return err
		}
		linked = ci
		return nil
	})
	if err != nil {
		return nil, err
	}
	return linked, nil
}

// nextIndex reads the template's current maximum application index and
// returns max + 1. Indices start at 1; revoked applications keep their
// index, so the sequence never reuses a value.
func nextIndex(ctx context.Context, tx bun.Tx, templateID string) (int, error) {
	var max int
	err := tx.NewSelect().
		Model((*model.CredentialIssuance)(nil)).
		ColumnExpr("COALESCE(MAX(application_index), 0)").
		Where("template_id = ?", templateID).
		Scan(ctx, &max)
	if err != nil {
		return 0, fmt.Errorf("reading max index for template %s: %w", templateID, err)
	}
	return max + 1, nil
}

// templateLock returns the stripe lock serializing allocations for a
// template.
func (a *Allocator) templateLock(templateID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(templateID))
	return &a.locks[h.Sum32()%uint32(len(a.locks))]
}

// isUniqueViolation detects a uniqueness-constraint error from either
// supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
