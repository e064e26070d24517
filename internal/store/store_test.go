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

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name()))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return New(db)
}

func TestEnsureSessionCreatesAndReuses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.EnsureSession(ctx, "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if first.ID == "" {
		t.Fatal("empty id not replaced")
	}

	again, err := s.EnsureSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("got %q, want %q", again.ID, first.ID)
	}
}

func TestEnsureSessionKeepsExistingState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.EnsureSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	sess.IsValid = true
	sess.DID = "did:example:holder"
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	reloaded, err := s.EnsureSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if !reloaded.IsValid || reloaded.DID != "did:example:holder" {
		t.Errorf("ensure reset session state: %+v", reloaded)
	}
}

func TestNotFoundMapping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Application(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Application err = %v, want ErrNotFound", err)
	}
	if _, err := s.UserByDID(ctx, "did:example:nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UserByDID err = %v, want ErrNotFound", err)
	}
	if _, err := s.SiopOffer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SiopOffer err = %v, want ErrNotFound", err)
	}
	if _, err := s.CredOffer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CredOffer err = %v, want ErrNotFound", err)
	}
}

func TestUpsertSiopOfferOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pd := map[string]any{"input_descriptors": []any{map[string]any{"id": "d1"}}}
	if err := s.UpsertSiopOffer(ctx, &model.SiopOffer{ID: "offer-1", Request: "first"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertSiopOffer(ctx, &model.SiopOffer{ID: "offer-1", Request: "second", Pex: pd, ApplicationID: "app-1"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	offer, err := s.SiopOffer(ctx, "offer-1")
	if err != nil {
		t.Fatalf("SiopOffer: %v", err)
	}
	if offer.Request != "second" || offer.ApplicationID != "app-1" || offer.Pex == nil {
		t.Errorf("offer after overwrite = %+v", offer)
	}
}

func TestUpsertCredOfferOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertCredOffer(ctx, &model.CredOffer{ID: "app-1", Offer: map[string]any{"v": "first"}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertCredOffer(ctx, &model.CredOffer{ID: "app-1", Offer: map[string]any{"v": "second"}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	offer, err := s.CredOffer(ctx, "app-1")
	if err != nil {
		t.Fatalf("CredOffer: %v", err)
	}
	if offer.Offer["v"] != "second" {
		t.Errorf("offer = %v, want latest write", offer.Offer)
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveTemplate(ctx, &model.CredentialTemplate{ID: "tmpl-1", Name: "TestCredential"}); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	app := &model.Application{
		TemplateID: "tmpl-1",
		Body:       map[string]any{"role": "engineer"},
		Flow: []model.FlowStep{
			{Index: 0, Kind: "present", PresentationDefinition: map[string]any{"input_descriptors": []any{}}},
		},
	}
	if err := s.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if app.ID == "" || app.Status != model.StatusPending {
		t.Fatalf("defaults not applied: %+v", app)
	}

	loaded, err := s.Application(ctx, app.ID)
	if err != nil {
		t.Fatalf("Application: %v", err)
	}
	if loaded.Body["role"] != "engineer" || len(loaded.Flow) != 1 || loaded.Flow[0].Kind != "present" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestStepActionsOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, idx := range []int{1, 0, 2} {
		err := s.AppendStepAction(ctx, &model.StepAction{
			ApplicationID: "app-1",
			StepIndex:     idx,
			Status:        "proceed",
		})
		if err != nil {
			t.Fatalf("AppendStepAction %d: %v", idx, err)
		}
	}

	actions, err := s.StepActions(ctx, "app-1")
	if err != nil {
		t.Fatalf("StepActions: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
	for i, a := range actions {
		if a.StepIndex != i {
			t.Errorf("position %d has step index %d", i, a.StepIndex)
		}
	}
}
