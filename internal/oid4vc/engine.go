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

// Package oid4vc orchestrates the SIOP login, presentation, and
// credential issuance exchanges: it sequences the store, the identity
// provider, the status registry, and the session broadcaster, but owns
// no cryptography and no SQL of its own.
package oid4vc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dominikschlosser/oid4vc-issuer/internal/broadcast"
	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
	"github.com/dominikschlosser/oid4vc-issuer/internal/state"
)

// ErrNotApproved is returned when an offer or credential is requested
// for an application that is not in approved status.
var ErrNotApproved = errors.New("application is not approved")

// ErrUnauthorized is returned when a request carries no usable bearer
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Store is the persistence surface the engine needs. *store.Store
// satisfies it.
type Store interface {
	Session(ctx context.Context, id string) (*model.Session, error)
	SaveSession(ctx context.Context, sess *model.Session) error
	UserByDID(ctx context.Context, did string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	Application(ctx context.Context, id string) (*model.Application, error)
	SaveApplication(ctx context.Context, app *model.Application) error
	Template(ctx context.Context, id string) (*model.CredentialTemplate, error)
	SaveTemplate(ctx context.Context, ct *model.CredentialTemplate) error
	Issuance(ctx context.Context, applicationID string) (*model.CredentialIssuance, error)
	StepActions(ctx context.Context, applicationID string) ([]model.StepAction, error)
	AppendStepAction(ctx context.Context, action *model.StepAction) error
	UpsertSiopOffer(ctx context.Context, offer *model.SiopOffer) error
	SiopOffer(ctx context.Context, id string) (*model.SiopOffer, error)
	UpsertCredOffer(ctx context.Context, offer *model.CredOffer) error
	CredOffer(ctx context.Context, id string) (*model.CredOffer, error)
}

// Broadcaster delivers completion events to session channels.
// *broadcast.Hub satisfies it.
type Broadcaster interface {
	Broadcast(channel string, payload broadcast.Message)
}

// StatusRegistry flips claim and revocation state atomically with the
// template's status bit-vector. *issuance.Revocation satisfies it.
type StatusRegistry interface {
	SetClaimed(ctx context.Context, applicationID string) error
	SetRevoked(ctx context.Context, applicationID string) error
}

// IndexAllocator links approved applications to per-template indices.
// *issuance.Allocator satisfies it.
type IndexAllocator interface {
	Link(ctx context.Context, app *model.Application) (*model.CredentialIssuance, error)
}

// Engine wires the exchange flows together. PublicBaseURI is the
// externally reachable origin wallets dereference, without a trailing
// slash.
type Engine struct {
	store     Store
	provider  identity.Provider
	hub       Broadcaster
	status    StatusRegistry
	allocator IndexAllocator
	log       *logrus.Logger

	publicBaseURI string
}

// Config collects the engine's dependencies.
type Config struct {
	Store         Store
	Provider      identity.Provider
	Broadcaster   Broadcaster
	Status        StatusRegistry
	Allocator     IndexAllocator
	Log           *logrus.Logger
	PublicBaseURI string
}

// New creates an exchange engine.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		store:         cfg.Store,
		provider:      cfg.Provider,
		hub:           cfg.Broadcaster,
		status:        cfg.Status,
		allocator:     cfg.Allocator,
		log:           log,
		publicBaseURI: cfg.PublicBaseURI,
	}
}

// NewSiopRequest creates (or refreshes) a SIOP request for a session.
// Without an application it is a plain id_token login request keyed by
// the session id. With an application it targets the application's
// current flow step: a step with a presentation definition becomes a
// vp_token request, and the request is keyed by a fresh offer id so
// the auth response can be matched back to the step.
func (e *Engine) NewSiopRequest(ctx context.Context, sessionID, applicationID string) (*identity.SiopRequest, error) {
	offerID := sessionID
	responseType := "id_token"
	var pex map[string]any

	if applicationID != "" {
		app, err := e.store.Application(ctx, applicationID)
		if err != nil {
			return nil, err
		}
		step, err := e.currentStep(ctx, app)
		if err != nil {
			return nil, err
		}
		offerID = uuid.New().String()
		if step != nil && step.PresentationDefinition != nil {
			responseType = "vp_token"
			pex = step.PresentationDefinition
		}
	}

	st, err := state.Encode(sessionID, offerIDExtra(sessionID, offerID))
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}

	req, err := e.provider.CreateSiopRequest(ctx, identity.SiopRequestInput{
		State:                  st,
		ResponseType:           responseType,
		RequestURI:             e.publicBaseURI + "/api/oid4vc/siop/" + offerID,
		ResponseURI:            e.publicBaseURI + "/api/oid4vc/auth",
		PresentationDefinition: pex,
	})
	if err != nil {
		return nil, err
	}

	offer := &model.SiopOffer{
		ID:            offerID,
		Request:       req.Request,
		Pex:           pex,
		ApplicationID: applicationID,
	}
	if err := e.store.UpsertSiopOffer(ctx, offer); err != nil {
		return nil, err
	}
	return req, nil
}

// offerIDExtra keeps plain login states free of the separator: a login
// request is keyed by the session id itself and needs no extra part.
func offerIDExtra(sessionID, offerID string) string {
	if offerID == sessionID {
		return ""
	}
	return offerID
}

// SiopRequestObject returns the stored signed request object for the
// wallet's request_uri dereference.
func (e *Engine) SiopRequestObject(ctx context.Context, id string) (string, error) {
	offer, err := e.store.SiopOffer(ctx, id)
	if err != nil {
		return "", err
	}
	return offer.Request, nil
}

// NewCredentialOffer creates (or refreshes) the credential offer for an
// approved application. Re-requesting overwrites the stored offer, so a
// wallet always dereferences the latest pre-authorized code.
func (e *Engine) NewCredentialOffer(ctx context.Context, applicationID, sessionID string) (*identity.CredentialOffer, error) {
	app, err := e.store.Application(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != model.StatusApproved {
		return nil, fmt.Errorf("application %s: %w", app.ID, ErrNotApproved)
	}
	template, err := e.store.Template(ctx, app.TemplateID)
	if err != nil {
		return nil, err
	}

	st, err := state.Encode(sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}

	offer, err := e.provider.CreateCredentialOffer(ctx, identity.CredentialOfferInput{
		CredentialName: template.Name,
		IssuerURI:      e.publicBaseURI,
		OfferURI:       e.publicBaseURI + "/api/oid4vc/offers/" + applicationID,
		ApplicationID:  applicationID,
		State:          st,
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.UpsertCredOffer(ctx, &model.CredOffer{ID: applicationID, Offer: offer.Offer}); err != nil {
		return nil, err
	}
	return offer, nil
}

// CredentialOfferPayload returns the stored offer for the wallet's
// credential_offer_uri dereference.
func (e *Engine) CredentialOfferPayload(ctx context.Context, id string) (map[string]any, error) {
	offer, err := e.store.CredOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	return offer.Offer, nil
}

// Token exchanges a pre-authorized code for an access token.
func (e *Engine) Token(ctx context.Context, req identity.TokenRequest) (*identity.TokenResponse, error) {
	return e.provider.CreateTokenResponse(ctx, req)
}

// Approve transitions an application to approved, stamps the approval
// time, and links it to the next free index in its template's issuance
// space. Approving an already-approved application re-runs the link,
// which is idempotent.
func (e *Engine) Approve(ctx context.Context, applicationID string) (*model.Application, error) {
	app, err := e.store.Application(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != model.StatusApproved {
		app.Status = model.StatusApproved
		app.ApprovalTimestamp = time.Now().UTC()
		if err := e.store.SaveApplication(ctx, app); err != nil {
			return nil, err
		}
	}
	if _, err := e.allocator.Link(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// Revoke clears the application's status bit and marks it revoked.
func (e *Engine) Revoke(ctx context.Context, applicationID string) error {
	return e.status.SetRevoked(ctx, applicationID)
}

// StatusListToken signs the current status bit-vector of a template as
// a statuslist+jwt. A template that never issued gets a fresh all-zero
// vector, persisted so verifiers see a stable list from the start.
func (e *Engine) StatusListToken(ctx context.Context, templateID string) (string, error) {
	template, err := e.store.Template(ctx, templateID)
	if err != nil {
		return "", err
	}
	if template.EncodedList == "" {
		encoded, err := freshEncodedList()
		if err != nil {
			return "", err
		}
		template.EncodedList = encoded
		if err := e.store.SaveTemplate(ctx, template); err != nil {
			return "", err
		}
	}
	return e.provider.SignStatusList(ctx, e.statusListURL(templateID), template.EncodedList)
}

func (e *Engine) statusListURL(templateID string) string {
	return e.publicBaseURI + "/api/credentials/" + templateID + "/status/1"
}

// currentStep returns the flow step the application is waiting on, or
// nil when the flow is absent or complete.
func (e *Engine) currentStep(ctx context.Context, app *model.Application) (*model.FlowStep, error) {
	if len(app.Flow) == 0 {
		return nil, nil
	}
	actions, err := e.store.StepActions(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	if len(actions) >= len(app.Flow) {
		return nil, nil
	}
	step := app.Flow[len(actions)]
	return &step, nil
}
