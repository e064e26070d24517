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

// Package identity is the boundary to the DID/cryptographic capability:
// request and offer construction, JWT verification against DID-resolved
// keys, and credential signing. The protocol core only depends on the
// Provider interface.
package identity

import (
	"context"
	"errors"
)

// ErrVerification is returned when a token, proof, or presentation
// fails cryptographic or structural verification.
var ErrVerification = errors.New("verification failed")

// SiopRequestInput describes a SIOP/OID4VP request to construct.
type SiopRequestInput struct {
	State                  string
	Nonce                  string
	ResponseType           string // "id_token" or "vp_token"
	RequestURI             string // where the wallet fetches the request by reference
	ResponseURI            string // where the wallet posts the auth response
	PresentationDefinition map[string]any
}

// SiopRequest is a signed request object plus the wallet-facing URI
// referencing it.
type SiopRequest struct {
	Request string `json:"request"`
	URI     string `json:"uri"`
}

// CredentialOfferInput describes an OID4VCI credential offer to
// construct. ApplicationID and State ride inside the pre-authorized
// code and come back on the token leg.
type CredentialOfferInput struct {
	CredentialName string
	IssuerURI      string
	OfferURI       string
	ApplicationID  string
	State          string
}

// CredentialOffer is the offer payload plus the wallet-facing URI
// referencing it.
type CredentialOffer struct {
	Offer map[string]any `json:"offer"`
	URI   string         `json:"uri"`
}

// TokenRequest is the OAuth2 token request body of the pre-authorized
// code flow.
type TokenRequest struct {
	GrantType         string `json:"grant_type"`
	PreAuthorizedCode string `json:"pre-authorized_code"`
}

// TokenResponse is the OAuth2/OIDC-shaped token response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	CNonce      string `json:"c_nonce,omitempty"`
}

// AuthResponse is an inbound SIOP/OID4VP authentication response.
type AuthResponse struct {
	State   string `json:"state"`
	IDToken string `json:"id_token,omitempty"`
	VPToken string `json:"vp_token,omitempty"`
}

// CredentialInput describes the credential to sign. Shape selects the
// badge or standard layout.
type CredentialInput struct {
	RecipientDID string
	Type         string
	Shape        string // "badge" or "credential"
	ID           string
	Body         map[string]any
	Status       map[string]any
	ExpiryDate   int64 // epoch seconds
	IssuerName   string
	BadgeName    string
	Description  string
	Criteria     string
	Image        string
}

// CredentialResponse is the signed credential in OID4VCI response
// shape.
type CredentialResponse struct {
	Format     string `json:"format"`
	Credential string `json:"credential"`
}

// Provider is the Identity Provider capability consumed by the
// protocol-orchestration core.
type Provider interface {
	// IssuerDID returns the DID this provider signs as.
	IssuerDID() string

	// CreateSiopRequest builds and signs a SIOP/OID4VP request object.
	CreateSiopRequest(ctx context.Context, in SiopRequestInput) (*SiopRequest, error)

	// CreateCredentialOffer builds a credential offer whose
	// pre-authorized code carries the application id and session state.
	CreateCredentialOffer(ctx context.Context, in CredentialOfferInput) (*CredentialOffer, error)

	// CreateTokenResponse exchanges a pre-authorized code for an access
	// token that preserves the embedded application id and state.
	CreateTokenResponse(ctx context.Context, req TokenRequest) (*TokenResponse, error)

	// ValidateJWT verifies a token against the key resolved from its
	// issuer DID and returns its claims. Audience policy enforcement is
	// off: tokens are issued cross-origin to wallets.
	ValidateJWT(ctx context.Context, token string) (map[string]any, error)

	// VerifyAuthResponse verifies an id_token or vp_token response.
	// When a presentation definition is given, the vp_token must
	// satisfy exactly that definition.
	VerifyAuthResponse(ctx context.Context, resp AuthResponse, presentationDefinition map[string]any) error

	// VerifyProof validates a bearer token plus the wallet's
	// proof-of-possession JWT and returns the holder DID.
	VerifyProof(ctx context.Context, bearer, proof string) (string, error)

	// SignCredential signs a verifiable credential for the holder.
	SignCredential(ctx context.Context, in CredentialInput) (*CredentialResponse, error)

	// SignStatusList wraps an encoded status bit-vector in a signed
	// statuslist+jwt for the given public list URL.
	SignStatusList(ctx context.Context, listURL, encodedList string) (string, error)
}
