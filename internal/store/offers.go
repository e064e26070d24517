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
	"fmt"
	"time"

	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
)

// UpsertSiopOffer creates or refreshes a pending SIOP request in one
// statement: concurrent refreshes for the same id converge to a single
// row reflecting the last write.
func (s *Store) UpsertSiopOffer(ctx context.Context, offer *model.SiopOffer) error {
	offer.UpdatedAt = time.Now().UTC()
	_, err := s.db.NewInsert().Model(offer).
		On("CONFLICT (id) DO UPDATE").
		Set("request = EXCLUDED.request").
		Set("pex = EXCLUDED.pex").
		Set("application_id = EXCLUDED.application_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upserting siop offer %s: %w", offer.ID, err)
	}
	return nil
}

// SiopOffer returns the pending SIOP request with the given id.
func (s *Store) SiopOffer(ctx context.Context, id string) (*model.SiopOffer, error) {
	offer := new(model.SiopOffer)
	if err := s.db.NewSelect().Model(offer).Where("so.id = ?", id).Scan(ctx); err != nil {
		return nil, notFoundOr("siop offer", id, err)
	}
	return offer, nil
}

// UpsertCredOffer creates or refreshes a pending credential offer, with
// the same single-statement convergence semantics as UpsertSiopOffer.
func (s *Store) UpsertCredOffer(ctx context.Context, offer *model.CredOffer) error {
	offer.UpdatedAt = time.Now().UTC()
	_, err := s.db.NewInsert().Model(offer).
		On("CONFLICT (id) DO UPDATE").
		Set("offer = EXCLUDED.offer").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upserting credential offer %s: %w", offer.ID, err)
	}
	return nil
}

// CredOffer returns the pending credential offer with the given id.
func (s *Store) CredOffer(ctx context.Context, id string) (*model.CredOffer, error) {
	offer := new(model.CredOffer)
	if err := s.db.NewSelect().Model(offer).Where("co.id = ?", id).Scan(ctx); err != nil {
		return nil, notFoundOr("credential offer", id, err)
	}
	return offer, nil
}
