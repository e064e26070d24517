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
	"testing"

	"github.com/uptrace/bun"

	"github.com/dominikschlosser/oid4vc-issuer/internal/bitstring"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

// claimFixture links an approved application and returns its index.
func claimFixture(t *testing.T, db *bun.DB) (*model.Application, int) {
	t.Helper()
	app := seedApplication(t, db, "app-1", "tmpl-1", model.StatusApproved)
	ci, err := NewAllocator(db).Link(context.Background(), app)
	if err != nil {
		t.Fatalf("linking fixture application: %v", err)
	}
	return app, ci.ApplicationIndex
}

func templateBit(t *testing.T, db *bun.DB, templateID string, idx int) bool {
	t.Helper()
	template := new(model.CredentialTemplate)
	if err := db.NewSelect().Model(template).Where("ct.id = ?", templateID).Scan(context.Background()); err != nil {
		t.Fatalf("loading template: %v", err)
	}
	bits, err := bitstring.Decode(template.EncodedList)
	if err != nil {
		t.Fatalf("decoding status list: %v", err)
	}
	bit, err := bitstring.Get(bits, idx)
	if err != nil {
		t.Fatalf("reading bit %d: %v", idx, err)
	}
	return bit
}

func loadApp(t *testing.T, db *bun.DB, id string) *model.Application {
	t.Helper()
	app := new(model.Application)
	if err := db.NewSelect().Model(app).Where("a.id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("loading application: %v", err)
	}
	return app
}

func TestSetClaimedSetsBitAndFlag(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	app, idx := claimFixture(t, db)

	if err := rev.SetClaimed(context.Background(), app.ID); err != nil {
		t.Fatalf("SetClaimed: %v", err)
	}

	if !templateBit(t, db, "tmpl-1", idx) {
		t.Error("status bit not set after claim")
	}
	if !loadApp(t, db, app.ID).Claimed {
		t.Error("claimed flag not set after claim")
	}
}

func TestSetClaimedIsIdempotent(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	app, idx := claimFixture(t, db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := rev.SetClaimed(ctx, app.ID); err != nil {
			t.Fatalf("SetClaimed #%d: %v", i+1, err)
		}
	}
	if !templateBit(t, db, "tmpl-1", idx) || !loadApp(t, db, app.ID).Claimed {
		t.Error("claim state lost on repeat")
	}
}

func TestSetClaimedRejectsUnapproved(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	app, _ := claimFixture(t, db)
	ctx := context.Background()

	app.Status = model.StatusPending
	if _, err := db.NewUpdate().Model(app).WherePK().Exec(ctx); err != nil {
		t.Fatalf("downgrading status: %v", err)
	}

	if err := rev.SetClaimed(ctx, app.ID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("err = %v, want ErrNotClaimable", err)
	}
}

func TestSetClaimedReportsDivergence(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	app, idx := claimFixture(t, db)
	ctx := context.Background()

	// Corrupt the vector: bit set while the flag is still false.
	template := new(model.CredentialTemplate)
	if err := db.NewSelect().Model(template).Where("ct.id = ?", "tmpl-1").Scan(ctx); err != nil {
		t.Fatalf("loading template: %v", err)
	}
	bits, err := bitstring.Decode(template.EncodedList)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if err := bitstring.Set(bits, idx, true); err != nil {
		t.Fatalf("setting bit: %v", err)
	}
	if template.EncodedList, err = bitstring.Encode(bits); err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if _, err := db.NewUpdate().Model(template).WherePK().Exec(ctx); err != nil {
		t.Fatalf("saving corrupted template: %v", err)
	}

	if err := rev.SetClaimed(ctx, app.ID); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if loadApp(t, db, app.ID).Claimed {
		t.Error("divergent claim was persisted")
	}
}

func TestSetRevokedClearsBitAndStatus(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	app, idx := claimFixture(t, db)
	ctx := context.Background()

	if err := rev.SetClaimed(ctx, app.ID); err != nil {
		t.Fatalf("SetClaimed: %v", err)
	}
	if err := rev.SetRevoked(ctx, app.ID); err != nil {
		t.Fatalf("SetRevoked: %v", err)
	}

	if templateBit(t, db, "tmpl-1", idx) {
		t.Error("status bit still set after revocation")
	}
	if got := loadApp(t, db, app.ID).Status; got != model.StatusRevoked {
		t.Errorf("status = %s, want revoked", got)
	}
}

func TestSetRevokedIsIdempotent(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	app, idx := claimFixture(t, db)
	ctx := context.Background()

	if err := rev.SetClaimed(ctx, app.ID); err != nil {
		t.Fatalf("SetClaimed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := rev.SetRevoked(ctx, app.ID); err != nil {
			t.Fatalf("SetRevoked #%d: %v", i+1, err)
		}
	}
	if templateBit(t, db, "tmpl-1", idx) {
		t.Error("bit set after repeated revocation")
	}
}

func TestRevokedApplicationKeepsIndex(t *testing.T) {
	db := setupDB(t)
	rev := NewRevocation(db)
	alloc := NewAllocator(db)
	app, idx := claimFixture(t, db)
	ctx := context.Background()

	if err := rev.SetClaimed(ctx, app.ID); err != nil {
		t.Fatalf("SetClaimed: %v", err)
	}
	if err := rev.SetRevoked(ctx, app.ID); err != nil {
		t.Fatalf("SetRevoked: %v", err)
	}

	next := seedApplication(t, db, "app-2", "tmpl-1", model.StatusApproved)
	ci, err := alloc.Link(ctx, next)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if ci.ApplicationIndex == idx {
		t.Errorf("revoked index %d was reused", idx)
	}
	if ci.ApplicationIndex != idx+1 {
		t.Errorf("next index = %d, want %d", ci.ApplicationIndex, idx+1)
	}
}
