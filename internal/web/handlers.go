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

package web

import (
	"encoding/json"
	"image/png"
	"net/http"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
)

const qrSize = 512

// handleSiop creates a SIOP request for the caller's session. An
// optional applicationId query targets the application's current flow
// step.
func (s *Server) handleSiop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	req, err := s.exchange.NewSiopRequest(r.Context(), sess.ID, r.URL.Query().Get("applicationId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"uri":       req.URI,
		"sessionId": sess.ID,
	})
}

// handleSiopRequestObject serves the signed request object the wallet
// dereferences via request_uri.
func (s *Server) handleSiopRequestObject(w http.ResponseWriter, r *http.Request) {
	request, err := s.exchange.SiopRequestObject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/oauth-authz-req+jwt")
	w.Write([]byte(request))
}

// handleToken is the OAuth2 token endpoint of the pre-authorized code
// flow. The identity path segment must name this issuer.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ident := r.PathValue("identity")
	if ident != "issuer" && ident != s.issuerDID {
		writeError(w, http.StatusNotFound, "unknown identity "+ident)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	req := identity.TokenRequest{
		GrantType:         r.PostFormValue("grant_type"),
		PreAuthorizedCode: r.PostFormValue("pre-authorized_code"),
	}
	if req.GrantType == "" {
		writeError(w, http.StatusBadRequest, "grant_type is required")
		return
	}

	resp, err := s.exchange.Token(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCredentialOffer creates (or refreshes) the credential offer for
// an approved application.
func (s *Server) handleCredentialOffer(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	offer, err := s.exchange.NewCredentialOffer(r.Context(), r.PathValue("id"), sess.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// handleOfferPayload serves the offer JSON the wallet dereferences via
// credential_offer_uri.
func (s *Server) handleOfferPayload(w http.ResponseWriter, r *http.Request) {
	offer, err := s.exchange.CredentialOfferPayload(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// handleOfferQR renders the stored offer's wallet URI as a QR code.
func (s *Server) handleOfferQR(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	offer, err := s.exchange.NewCredentialOffer(r.Context(), r.PathValue("id"), sess.ID)
	if err != nil {
		s.fail(w, err)
		return
	}

	matrix, err := qrcode.NewQRCodeWriter().Encode(offer.URI, gozxing.BarcodeFormat_QR_CODE, qrSize, qrSize, nil)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, matrix); err != nil {
		s.log.WithError(err).Debug("writing QR png failed")
	}
}

type credentialRequest struct {
	Proof struct {
		JWT string `json:"jwt"`
	} `json:"proof"`
}

// handleCredential is the OID4VCI credential endpoint.
func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.exchange.IssueCredential(r.Context(), bearerToken(r), req.Proof.JWT)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuth receives the wallet's SIOP/OID4VP authentication response
// (response_mode=post, form-encoded).
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	resp := identity.AuthResponse{
		State:   r.PostFormValue("state"),
		IDToken: r.PostFormValue("id_token"),
		VPToken: r.PostFormValue("vp_token"),
	}
	if err := s.exchange.HandleAuthResponse(r.Context(), resp); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatusList serves the signed status list credential for a
// template.
func (s *Server) handleStatusList(w http.ResponseWriter, r *http.Request) {
	token, err := s.exchange.StatusListToken(r.Context(), r.PathValue("templateID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/statuslist+jwt")
	w.Write([]byte(token))
}

// handleApprove approves an application and allocates its issuance
// index.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	app, err := s.exchange.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleRevoke revokes an application's credential.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.exchange.Revoke(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	if token, ok := strings.CutPrefix(auth, "bearer "); ok {
		return token
	}
	return ""
}
