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

// Package web exposes the issuance engine over HTTP: the wallet-facing
// OID4VC endpoints, the status list, the admin approve/revoke actions,
// and the per-session websocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
	"github.com/dominikschlosser/oid4vc-issuer/internal/issuance"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
	"github.com/dominikschlosser/oid4vc-issuer/internal/oid4vc"
	"github.com/dominikschlosser/oid4vc-issuer/internal/store"
)

const maxRequestBody = 1 << 20 // 1MB

// Exchange is the engine surface the HTTP layer drives. *oid4vc.Engine
// satisfies it.
type Exchange interface {
	NewSiopRequest(ctx context.Context, sessionID, applicationID string) (*identity.SiopRequest, error)
	SiopRequestObject(ctx context.Context, id string) (string, error)
	NewCredentialOffer(ctx context.Context, applicationID, sessionID string) (*identity.CredentialOffer, error)
	CredentialOfferPayload(ctx context.Context, id string) (map[string]any, error)
	Token(ctx context.Context, req identity.TokenRequest) (*identity.TokenResponse, error)
	HandleAuthResponse(ctx context.Context, resp identity.AuthResponse) error
	IssueCredential(ctx context.Context, bearer, proof string) (*identity.CredentialResponse, error)
	StatusListToken(ctx context.Context, templateID string) (string, error)
	Approve(ctx context.Context, applicationID string) (*model.Application, error)
	Revoke(ctx context.Context, applicationID string) error
}

// Sessions creates browser sessions on first contact. *store.Store
// satisfies it.
type Sessions interface {
	EnsureSession(ctx context.Context, id string) (*model.Session, error)
}

// Server is the HTTP front of the issuer.
type Server struct {
	exchange  Exchange
	sessions  Sessions
	issuerDID string
	ws        http.Handler
	log       *logrus.Logger
}

// NewServer assembles the HTTP layer. The ws handler may be nil when no
// websocket transport is wanted (tests).
func NewServer(exchange Exchange, sessions Sessions, issuerDID string, ws http.Handler, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{exchange: exchange, sessions: sessions, issuerDID: issuerDID, ws: ws, log: log}
}

// Mux builds the route table.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	// Wallet-facing exchange endpoints.
	mux.HandleFunc("GET /api/oid4vc/siop", s.handleSiop)
	mux.HandleFunc("GET /api/oid4vc/siop/{id}", s.handleSiopRequestObject)
	mux.HandleFunc("POST /api/oid4vc/{identity}/token", s.handleToken)
	mux.HandleFunc("GET /api/oid4vc/credentials/{id}", s.handleCredentialOffer)
	mux.HandleFunc("GET /api/oid4vc/offers/{id}", s.handleOfferPayload)
	mux.HandleFunc("GET /api/oid4vc/offers/{id}/qr", s.handleOfferQR)
	mux.HandleFunc("POST /api/oid4vc/credential", s.handleCredential)
	mux.HandleFunc("POST /api/oid4vc/auth", s.handleAuth)

	// Verifier-facing status list.
	mux.HandleFunc("GET /api/credentials/{templateID}/status/1", s.handleStatusList)

	// Admin workflow actions.
	mux.HandleFunc("POST /api/applications/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/applications/{id}/revoke", s.handleRevoke)

	if s.ws != nil {
		mux.Handle("GET /ws/{sessionID}", s.ws)
	}
	return mux
}

// session resolves the browser session from the x-session-id header or
// the session query parameter, creating one on first contact.
func (s *Server) session(r *http.Request) (*model.Session, error) {
	id := r.Header.Get("x-session-id")
	if id == "" {
		id = r.URL.Query().Get("session")
	}
	return s.sessions.EnsureSession(r.Context(), id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oid4vc.ErrNotApproved), errors.Is(err, issuance.ErrNotClaimable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, oid4vc.ErrUnauthorized), errors.Is(err, identity.ErrVerification):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
