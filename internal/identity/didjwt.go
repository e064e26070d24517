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

package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	preAuthorizedGrant = "urn:ietf:params:oauth:grant-type:pre-authorized_code"
	siopAudience       = "https://self-issued.me/v2"

	preAuthCodeTTL   = 10 * time.Minute
	accessTokenTTL   = 5 * time.Minute
	statusListTTL    = 24 * time.Hour
	requestObjectTTL = 10 * time.Minute
)

// DIDProvider is the default Provider: ES256 DID-JWT signing and
// verification with a pluggable DID key resolver.
type DIDProvider struct {
	did      string
	key      *ecdsa.PrivateKey
	resolver Resolver
}

// NewDIDProvider creates a provider signing as the given DID. An empty
// DID derives did:jwk from the signing key so the issuer's tokens are
// self-resolvable.
func NewDIDProvider(did string, key *ecdsa.PrivateKey, resolver Resolver) (*DIDProvider, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if did == "" {
		derived, err := DIDJWK(&key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("deriving issuer DID: %w", err)
		}
		did = derived
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}
	return &DIDProvider{did: did, key: key, resolver: resolver}, nil
}

// IssuerDID returns the DID this provider signs as.
func (p *DIDProvider) IssuerDID() string {
	return p.did
}

// CreateSiopRequest builds and signs a SIOP/OID4VP request object.
func (p *DIDProvider) CreateSiopRequest(_ context.Context, in SiopRequestInput) (*SiopRequest, error) {
	nonce := in.Nonce
	if nonce == "" {
		nonce = uuid.New().String()
	}
	responseType := in.ResponseType
	if responseType == "" {
		responseType = "id_token"
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":           p.did,
		"aud":           siopAudience,
		"iat":           now.Unix(),
		"exp":           now.Add(requestObjectTTL).Unix(),
		"client_id":     p.did,
		"response_type": responseType,
		"response_mode": "post",
		"scope":         "openid",
		"state":         in.State,
		"nonce":         nonce,
	}
	if in.ResponseURI != "" {
		claims["response_uri"] = in.ResponseURI
	}
	if in.PresentationDefinition != nil {
		claims["presentation_definition"] = in.PresentationDefinition
	}

	request, err := p.sign(claims, "oauth-authz-req+jwt")
	if err != nil {
		return nil, fmt.Errorf("signing request object: %w", err)
	}

	return &SiopRequest{
		Request: request,
		URI:     "openid://?request_uri=" + url.QueryEscape(in.RequestURI),
	}, nil
}

// CreateCredentialOffer builds an OID4VCI offer. The pre-authorized
// code is a short-lived self-signed JWT carrying the application id and
// session state across the token leg.
func (p *DIDProvider) CreateCredentialOffer(_ context.Context, in CredentialOfferInput) (*CredentialOffer, error) {
	now := time.Now()
	code, err := p.sign(jwt.MapClaims{
		"iss":           p.did,
		"iat":           now.Unix(),
		"exp":           now.Add(preAuthCodeTTL).Unix(),
		"applicationId": in.ApplicationID,
		"state":         in.State,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("signing pre-authorized code: %w", err)
	}

	offer := map[string]any{
		"credential_issuer":            in.IssuerURI,
		"credential_configuration_ids": []string{in.CredentialName},
		"grants": map[string]any{
			preAuthorizedGrant: map[string]any{
				"pre-authorized_code": code,
			},
		},
	}

	return &CredentialOffer{
		Offer: offer,
		URI:   "openid-credential-offer://?credential_offer_uri=" + url.QueryEscape(in.OfferURI),
	}, nil
}

// CreateTokenResponse exchanges a pre-authorized code for an access
// token preserving the embedded application id and state claims.
func (p *DIDProvider) CreateTokenResponse(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != preAuthorizedGrant {
		return nil, fmt.Errorf("unsupported grant type %q: %w", req.GrantType, ErrVerification)
	}

	claims, err := p.ValidateJWT(ctx, req.PreAuthorizedCode)
	if err != nil {
		return nil, fmt.Errorf("validating pre-authorized code: %w", err)
	}

	now := time.Now()
	token, err := p.sign(jwt.MapClaims{
		"iss":           p.did,
		"iat":           now.Unix(),
		"exp":           now.Add(accessTokenTTL).Unix(),
		"applicationId": claims["applicationId"],
		"state":         claims["state"],
	}, "")
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(accessTokenTTL.Seconds()),
		CNonce:      uuid.New().String(),
	}, nil
}

// ValidateJWT verifies a token against the key resolved from its issuer
// DID and returns the claims. Audience enforcement is off: wallets are
// issued tokens cross-origin and set aud values we never control.
func (p *DIDProvider) ValidateJWT(ctx context.Context, token string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		did, err := signerDID(t)
		if err != nil {
			return nil, err
		}
		return p.resolver.ResolveKey(ctx, did)
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return nil, fmt.Errorf("validating token: %v: %w", err, ErrVerification)
	}
	return claims, nil
}

// VerifyAuthResponse verifies an id_token or vp_token response. A
// vp_token must satisfy the presentation definition it was requested
// with; a mismatch is a protocol violation.
func (p *DIDProvider) VerifyAuthResponse(ctx context.Context, resp AuthResponse, presentationDefinition map[string]any) error {
	switch {
	case resp.IDToken != "":
		_, err := p.ValidateJWT(ctx, resp.IDToken)
		return err
	case resp.VPToken != "":
		claims, err := p.ValidateJWT(ctx, resp.VPToken)
		if err != nil {
			return err
		}
		return matchPresentation(claims, presentationDefinition)
	default:
		return fmt.Errorf("auth response carries neither id_token nor vp_token: %w", ErrVerification)
	}
}

// VerifyProof validates the bearer token and the wallet's
// proof-of-possession JWT, returning the holder DID from the proof.
func (p *DIDProvider) VerifyProof(ctx context.Context, bearer, proof string) (string, error) {
	if _, err := p.ValidateJWT(ctx, bearer); err != nil {
		return "", fmt.Errorf("validating bearer token: %w", err)
	}

	claims := jwt.MapClaims{}
	var holder string
	_, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		did, err := signerDID(t)
		if err != nil {
			return nil, err
		}
		holder = did
		return p.resolver.ResolveKey(ctx, did)
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return "", fmt.Errorf("validating proof: %v: %w", err, ErrVerification)
	}
	return holder, nil
}

// SignCredential signs a verifiable credential in badge or standard
// shape.
func (p *DIDProvider) SignCredential(_ context.Context, in CredentialInput) (*CredentialResponse, error) {
	subject := map[string]any{"id": in.RecipientDID}
	for k, v := range in.Body {
		subject[k] = v
	}

	vc := map[string]any{
		"@context":          []string{"https://www.w3.org/2018/credentials/v1"},
		"type":              []string{"VerifiableCredential", in.Type},
		"id":                in.ID,
		"issuer":            map[string]any{"id": p.did, "name": in.IssuerName},
		"credentialSubject": subject,
		"credentialStatus":  in.Status,
	}

	if in.Shape == "badge" {
		vc["@context"] = []string{
			"https://www.w3.org/2018/credentials/v1",
			"https://purl.imsglobal.org/spec/ob/v3p0/context-3.0.2.json",
		}
		vc["type"] = []string{"VerifiableCredential", "OpenBadgeCredential"}
		subject["achievement"] = map[string]any{
			"name":        in.BadgeName,
			"description": in.Description,
			"criteria":    map[string]any{"narrative": in.Criteria},
			"image":       map[string]any{"id": in.Image},
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.did,
		"sub": in.RecipientDID,
		"iat": now.Unix(),
		"vc":  vc,
	}
	if in.ExpiryDate > 0 {
		claims["exp"] = in.ExpiryDate
	}

	signed, err := p.sign(claims, "vc+jwt")
	if err != nil {
		return nil, fmt.Errorf("signing credential: %w", err)
	}

	return &CredentialResponse{Format: "jwt_vc_json", Credential: signed}, nil
}

// SignStatusList wraps an encoded bit-vector in a statuslist+jwt
// (RFC 9596).
func (p *DIDProvider) SignStatusList(_ context.Context, listURL, encodedList string) (string, error) {
	now := time.Now()
	return p.sign(jwt.MapClaims{
		"iss": p.did,
		"sub": listURL,
		"iat": now.Unix(),
		"exp": now.Add(statusListTTL).Unix(),
		"status_list": map[string]any{
			"bits": 1,
			"lst":  encodedList,
		},
	}, "statuslist+jwt")
}

func (p *DIDProvider) sign(claims jwt.MapClaims, typ string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = p.did + "#0"
	if typ != "" {
		t.Header["typ"] = typ
	}
	return t.SignedString(p.key)
}

// signerDID extracts the signer's DID from the iss claim, falling back
// to the kid header (minus the fragment).
func signerDID(t *jwt.Token) (string, error) {
	if claims, ok := t.Claims.(jwt.MapClaims); ok {
		if iss, ok := claims["iss"].(string); ok && iss != "" {
			return iss, nil
		}
	}
	if kid, ok := t.Header["kid"].(string); ok && kid != "" {
		did, _, _ := strings.Cut(kid, "#")
		return did, nil
	}
	return "", fmt.Errorf("token has no iss claim or kid header")
}

// matchPresentation checks that a vp_token satisfies the presentation
// definition the original request was built with. Handing the verifier
// a different definition than the one stored with the request is a
// protocol violation upstream of this check.
func matchPresentation(claims map[string]any, definition map[string]any) error {
	if definition == nil {
		return nil
	}

	descriptors, _ := definition["input_descriptors"].([]any)
	if len(descriptors) == 0 {
		return nil
	}

	vp, _ := claims["vp"].(map[string]any)
	if vp == nil {
		return fmt.Errorf("vp_token has no vp claim: %w", ErrVerification)
	}
	creds, _ := vp["verifiableCredential"].([]any)
	if len(creds) < len(descriptors) {
		return fmt.Errorf("presentation has %d credentials for %d input descriptors: %w",
			len(creds), len(descriptors), ErrVerification)
	}
	return nil
}
