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

package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/dominikschlosser/oid4vc-issuer/internal/bitstring"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

// ErrIntegrity reports a divergence between an application's claimed
// flag and its bit in the template's status vector. Divergence is
// reported, never silently reconciled.
var ErrIntegrity = errors.New("status list integrity violation")

// ErrNotClaimable is returned when a claim is attempted on an
// application that is not in approved status.
var ErrNotClaimable = errors.New("application is not approved")

// Revocation keeps a template's status bit-vector consistent with the
// claim/revocation flags of its applications. Both sides of every
// mutation commit in the same transaction; a half-applied claim (bit
// set, flag unset, or vice versa) never persists.
type Revocation struct {
	db *bun.DB
}

// NewRevocation creates a Revocation manager on the given database.
func NewRevocation(db *bun.DB) *Revocation {
	return &Revocation{db: db}
}

// SetClaimed marks the application's credential as claimed: bit at its
// application index goes to 1 and the claimed flag to true, atomically.
// A second call for an already-claimed application is a no-op.
func (r *Revocation) SetClaimed(ctx context.Context, applicationID string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		app, ci, template, bits, err := loadClaimState(ctx, tx, applicationID)
		if err != nil {
			return err
		}

		bit, err := bitstring.Get(bits, ci.ApplicationIndex)
		if err != nil {
			return err
		}

		if app.Claimed && bit {
			return nil // already claimed, nothing to mutate
		}
		if app.Claimed != bit {
			return fmt.Errorf("application %s: claimed=%v but bit %d=%v: %w",
				app.ID, app.Claimed, ci.ApplicationIndex, bit, ErrIntegrity)
		}
		if app.Status != model.StatusApproved {
			return fmt.Errorf("application %s: %w", app.ID, ErrNotClaimable)
		}

		if err := bitstring.Set(bits, ci.ApplicationIndex, true); err != nil {
			return err
		}
		app.Claimed = true
		return persistClaimState(ctx, tx, app, template, bits)
	})
}

// SetRevoked clears the application's bit and transitions its status to
// revoked, atomically. Revoking an already-revoked application is a
// no-op. The application keeps its index; indices are never reused.
func (r *Revocation) SetRevoked(ctx context.Context, applicationID string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		app, ci, template, bits, err := loadClaimState(ctx, tx, applicationID)
		if err != nil {
			return err
		}

		bit, err := bitstring.Get(bits, ci.ApplicationIndex)
		if err != nil {
			return err
		}

		if app.Status == model.StatusRevoked && !bit {
			return nil
		}

		if err := bitstring.Set(bits, ci.ApplicationIndex, false); err != nil {
			return err
		}
		app.Status = model.StatusRevoked
		return persistClaimState(ctx, tx, app, template, bits)
	})
}

// loadClaimState loads the application, its issuance record, and the
// owning template's decoded bit-vector inside the transaction.
func loadClaimState(ctx context.Context, tx bun.Tx, applicationID string) (*model.Application, *model.CredentialIssuance, *model.CredentialTemplate, []byte, error) {
	app := new(model.Application)
	if err := tx.NewSelect().Model(app).Where("a.id = ?", applicationID).Scan(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading application %s: %w", applicationID, err)
	}

	ci := new(model.CredentialIssuance)
	if err := tx.NewSelect().Model(ci).Where("ci.application_id = ?", applicationID).Scan(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading issuance for application %s: %w", applicationID, err)
	}

	template := new(model.CredentialTemplate)
	if err := tx.NewSelect().Model(template).Where("ct.id = ?", app.TemplateID).Scan(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading template %s: %w", app.TemplateID, err)
	}

	bits, err := bitstring.Decode(template.EncodedList)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decoding status list for template %s: %w", template.ID, err)
	}

	return app, ci, template, bits, nil
}

// persistClaimState writes the re-encoded vector and the application in
// the same transaction.
func persistClaimState(ctx context.Context, tx bun.Tx, app *model.Application, template *model.CredentialTemplate, bits []byte) error {
	encoded, err := bitstring.Encode(bits)
	if err != nil {
		return err
	}
	template.EncodedList = encoded

	if _, err := tx.NewUpdate().Model(template).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("persisting status list for template %s: %w", template.ID, err)
	}
	if _, err := tx.NewUpdate().Model(app).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("persisting application %s: %w", app.ID, err)
	}
	return nil
}
