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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
	"github.com/dominikschlosser/oid4vc-issuer/internal/oid4vc"
	"github.com/dominikschlosser/oid4vc-issuer/internal/store"
)

// fakeExchange returns canned responses and records calls.
type fakeExchange struct {
	siopSession   string
	siopApp       string
	offerApp      string
	offerSession  string
	authResponse  identity.AuthResponse
	issuedBearer  string
	issuedProof   string
	approved      []string
	revoked       []string
	statusTpl     string
	notApproved   bool
	missingOffers bool
}

func (f *fakeExchange) NewSiopRequest(_ context.Context, sessionID, applicationID string) (*identity.SiopRequest, error) {
	f.siopSession, f.siopApp = sessionID, applicationID
	return &identity.SiopRequest{Request: "signed-request", URI: "openid://?request_uri=x"}, nil
}

func (f *fakeExchange) SiopRequestObject(_ context.Context, id string) (string, error) {
	if f.missingOffers {
		return "", fmt.Errorf("siop offer %s: %w", id, store.ErrNotFound)
	}
	return "signed-request:" + id, nil
}

func (f *fakeExchange) NewCredentialOffer(_ context.Context, applicationID, sessionID string) (*identity.CredentialOffer, error) {
	if f.notApproved {
		return nil, fmt.Errorf("application %s: %w", applicationID, oid4vc.ErrNotApproved)
	}
	f.offerApp, f.offerSession = applicationID, sessionID
	return &identity.CredentialOffer{
		Offer: map[string]any{"credential_issuer": "https://issuer.example.com"},
		URI:   "openid-credential-offer://?credential_offer_uri=y",
	}, nil
}

func (f *fakeExchange) CredentialOfferPayload(_ context.Context, id string) (map[string]any, error) {
	if f.missingOffers {
		return nil, fmt.Errorf("cred offer %s: %w", id, store.ErrNotFound)
	}
	return map[string]any{"credential_issuer": "https://issuer.example.com"}, nil
}

func (f *fakeExchange) Token(_ context.Context, req identity.TokenRequest) (*identity.TokenResponse, error) {
	if req.GrantType != "urn:ietf:params:oauth:grant-type:pre-authorized_code" {
		return nil, fmt.Errorf("bad grant: %w", identity.ErrVerification)
	}
	return &identity.TokenResponse{AccessToken: "at", TokenType: "bearer"}, nil
}

func (f *fakeExchange) HandleAuthResponse(_ context.Context, resp identity.AuthResponse) error {
	f.authResponse = resp
	return nil
}

func (f *fakeExchange) IssueCredential(_ context.Context, bearer, proof string) (*identity.CredentialResponse, error) {
	if bearer == "" {
		return nil, oid4vc.ErrUnauthorized
	}
	f.issuedBearer, f.issuedProof = bearer, proof
	return &identity.CredentialResponse{Format: "jwt_vc_json", Credential: "signed"}, nil
}

func (f *fakeExchange) StatusListToken(_ context.Context, templateID string) (string, error) {
	f.statusTpl = templateID
	return "status-jwt", nil
}

func (f *fakeExchange) Approve(_ context.Context, applicationID string) (*model.Application, error) {
	f.approved = append(f.approved, applicationID)
	return &model.Application{ID: applicationID, Status: model.StatusApproved}, nil
}

func (f *fakeExchange) Revoke(_ context.Context, applicationID string) error {
	f.revoked = append(f.revoked, applicationID)
	return nil
}

// fakeSessions echoes ids back, minting one when empty.
type fakeSessions struct{}

func (fakeSessions) EnsureSession(_ context.Context, id string) (*model.Session, error) {
	if id == "" {
		id = "minted-session"
	}
	return &model.Session{ID: id}, nil
}

func newTestServer(t *testing.T) (*fakeExchange, http.Handler) {
	t.Helper()
	ex := &fakeExchange{}
	srv := NewServer(ex, fakeSessions{}, "did:example:issuer", nil, nil)
	return ex, srv.Mux()
}

func doRequest(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSiopUsesSessionHeader(t *testing.T) {
	ex, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/oid4vc/siop?applicationId=app-1", nil)
	req.Header.Set("x-session-id", "sess-1")
	rec := doRequest(t, mux, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ex.siopSession != "sess-1" || ex.siopApp != "app-1" {
		t.Errorf("engine called with session=%q app=%q", ex.siopSession, ex.siopApp)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["sessionId"] != "sess-1" || body["uri"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestSiopMintsSessionWhenAbsent(t *testing.T) {
	ex, mux := newTestServer(t)

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodGet, "/api/oid4vc/siop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ex.siopSession != "minted-session" {
		t.Errorf("session = %q, want minted", ex.siopSession)
	}
}

func TestSiopRequestObjectContentType(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodGet, "/api/oid4vc/siop/offer-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/oauth-authz-req+jwt" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != "signed-request:offer-1" {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestTokenUnknownIdentity(t *testing.T) {
	_, mux := newTestServer(t)

	form := url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:pre-authorized_code"}}
	req := httptest.NewRequest(http.MethodPost, "/api/oid4vc/somebody-else/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if rec := doRequest(t, mux, req); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTokenKnownIdentities(t *testing.T) {
	for _, ident := range []string{"issuer", "did:example:issuer"} {
		t.Run(ident, func(t *testing.T) {
			_, mux := newTestServer(t)

			form := url.Values{
				"grant_type":          {"urn:ietf:params:oauth:grant-type:pre-authorized_code"},
				"pre-authorized_code": {"code"},
			}
			req := httptest.NewRequest(http.MethodPost, "/api/oid4vc/"+url.PathEscape(ident)+"/token", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			rec := doRequest(t, mux, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			var resp identity.TokenResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if resp.AccessToken == "" || resp.TokenType != "bearer" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestCredentialOfferNotApproved(t *testing.T) {
	ex, mux := newTestServer(t)
	ex.notApproved = true

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodGet, "/api/oid4vc/credentials/app-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestOfferPayloadNotFound(t *testing.T) {
	ex, mux := newTestServer(t)
	ex.missingOffers = true

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodGet, "/api/oid4vc/offers/app-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOfferQRServesPNG(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodGet, "/api/oid4vc/offers/app-1/qr", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestCredentialEndpoint(t *testing.T) {
	ex, mux := newTestServer(t)

	body := `{"proof":{"jwt":"proof-jwt"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/oid4vc/credential", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer access-token")

	rec := doRequest(t, mux, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ex.issuedBearer != "access-token" || ex.issuedProof != "proof-jwt" {
		t.Errorf("engine called with bearer=%q proof=%q", ex.issuedBearer, ex.issuedProof)
	}
}

func TestCredentialEndpointWithoutBearer(t *testing.T) {
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/oid4vc/credential", strings.NewReader(`{"proof":{"jwt":"p"}}`))
	if rec := doRequest(t, mux, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthEndpointParsesForm(t *testing.T) {
	ex, mux := newTestServer(t)

	form := url.Values{
		"state":    {"sess-1::offer-1"},
		"vp_token": {"vpt"},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/oid4vc/auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := doRequest(t, mux, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ex.authResponse.State != "sess-1::offer-1" || ex.authResponse.VPToken != "vpt" {
		t.Errorf("auth response = %+v", ex.authResponse)
	}
}

func TestStatusListEndpoint(t *testing.T) {
	ex, mux := newTestServer(t)

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodGet, "/api/credentials/tmpl-1/status/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/statuslist+jwt" {
		t.Errorf("content type = %q", ct)
	}
	if ex.statusTpl != "tmpl-1" {
		t.Errorf("template = %q", ex.statusTpl)
	}
}

func TestApproveAndRevoke(t *testing.T) {
	ex, mux := newTestServer(t)

	rec := doRequest(t, mux, httptest.NewRequest(http.MethodPost, "/api/applications/app-1/approve", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}
	rec = doRequest(t, mux, httptest.NewRequest(http.MethodPost, "/api/applications/app-1/revoke", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	if len(ex.approved) != 1 || len(ex.revoked) != 1 {
		t.Errorf("approved=%v revoked=%v", ex.approved, ex.revoked)
	}
}
