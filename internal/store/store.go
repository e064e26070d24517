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
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is the bun-backed persistence layer.
type Store struct {
	db *bun.DB
}

// New wraps an open bun DB.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that manage their own
// transactions.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Session returns the session with the given id.
func (s *Store) Session(ctx context.Context, id string) (*model.Session, error) {
	sess := new(model.Session)
	if err := s.db.NewSelect().Model(sess).Where("s.id = ?", id).Scan(ctx); err != nil {
		return nil, notFoundOr("session", id, err)
	}
	return sess, nil
}

// EnsureSession returns the session with the given id, creating it on
// first browser contact. An empty id gets a fresh one.
func (s *Store) EnsureSession(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	sess := &model.Session{ID: id}
	if _, err := s.db.NewInsert().Model(sess).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	return s.Session(ctx, id)
}

// SaveSession persists session mutations (validity, DID, user binding).
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	if _, err := s.db.NewUpdate().Model(sess).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("updating session %s: %w", sess.ID, err)
	}
	return nil
}

// UserByDID returns the user bound to a DID.
func (s *Store) UserByDID(ctx context.Context, did string) (*model.User, error) {
	u := new(model.User)
	if err := s.db.NewSelect().Model(u).Where("u.did = ?", did).Scan(ctx); err != nil {
		return nil, notFoundOr("user", did, err)
	}
	return u, nil
}

// CreateUser inserts a new user. The id is assigned if empty.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if _, err := s.db.NewInsert().Model(u).Exec(ctx); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// Application returns the application with the given id.
func (s *Store) Application(ctx context.Context, id string) (*model.Application, error) {
	app := new(model.Application)
	if err := s.db.NewSelect().Model(app).Where("a.id = ?", id).Scan(ctx); err != nil {
		return nil, notFoundOr("application", id, err)
	}
	return app, nil
}

// CreateApplication inserts a new application. The id is assigned if
// empty.
func (s *Store) CreateApplication(ctx context.Context, app *model.Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	if app.Status == "" {
		app.Status = model.StatusPending
	}
	if _, err := s.db.NewInsert().Model(app).Exec(ctx); err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	return nil
}

// SaveApplication persists application mutations.
func (s *Store) SaveApplication(ctx context.Context, app *model.Application) error {
	if _, err := s.db.NewUpdate().Model(app).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("updating application %s: %w", app.ID, err)
	}
	return nil
}

// Template returns the credential template with the given id.
func (s *Store) Template(ctx context.Context, id string) (*model.CredentialTemplate, error) {
	ct := new(model.CredentialTemplate)
	if err := s.db.NewSelect().Model(ct).Where("ct.id = ?", id).Scan(ctx); err != nil {
		return nil, notFoundOr("template", id, err)
	}
	return ct, nil
}

// SaveTemplate inserts or updates a credential template.
func (s *Store) SaveTemplate(ctx context.Context, ct *model.CredentialTemplate) error {
	if ct.ID == "" {
		ct.ID = uuid.New().String()
	}
	_, err := s.db.NewInsert().Model(ct).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("type = EXCLUDED.type").
		Set("duration = EXCLUDED.duration").
		Set("icon = EXCLUDED.icon").
		Set("prefilled_fields = EXCLUDED.prefilled_fields").
		Set("badge_fields = EXCLUDED.badge_fields").
		Set("encoded_list = EXCLUDED.encoded_list").
		Set("signing_did = EXCLUDED.signing_did").
		Set("issuer_name = EXCLUDED.issuer_name").
		Set("issuer_logo = EXCLUDED.issuer_logo").
		Set("issuer_url = EXCLUDED.issuer_url").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("saving template %s: %w", ct.ID, err)
	}
	return nil
}

// Issuance returns the credential issuance linked to an application.
func (s *Store) Issuance(ctx context.Context, applicationID string) (*model.CredentialIssuance, error) {
	ci := new(model.CredentialIssuance)
	if err := s.db.NewSelect().Model(ci).Where("ci.application_id = ?", applicationID).Scan(ctx); err != nil {
		return nil, notFoundOr("credential issuance for application", applicationID, err)
	}
	return ci, nil
}

// StepActions returns an application's recorded step actions in step
// order.
func (s *Store) StepActions(ctx context.Context, applicationID string) ([]model.StepAction, error) {
	var actions []model.StepAction
	err := s.db.NewSelect().Model(&actions).
		Where("sa.application_id = ?", applicationID).
		Order("sa.step_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing step actions for %s: %w", applicationID, err)
	}
	return actions, nil
}

// AppendStepAction records a completed flow step.
func (s *Store) AppendStepAction(ctx context.Context, action *model.StepAction) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if _, err := s.db.NewInsert().Model(action).Exec(ctx); err != nil {
		return fmt.Errorf("recording step action: %w", err)
	}
	return nil
}

func notFoundOr(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("loading %s %s: %w", kind, id, err)
}
