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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Resolver turns a DID into the holder's public verification key via
// its DID document.
type Resolver interface {
	ResolveKey(ctx context.Context, did string) (crypto.PublicKey, error)
}

// StaticResolver resolves from a fixed DID-to-key map.
type StaticResolver map[string]crypto.PublicKey

func (r StaticResolver) ResolveKey(_ context.Context, did string) (crypto.PublicKey, error) {
	key, ok := r[did]
	if !ok {
		return nil, fmt.Errorf("no key registered for %s", did)
	}
	return key, nil
}

// JWKResolver resolves did:jwk DIDs, whose method-specific id is the
// base64url-encoded JWK itself.
type JWKResolver struct{}

func (JWKResolver) ResolveKey(_ context.Context, did string) (crypto.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, "did:jwk:")
	if !ok {
		return nil, fmt.Errorf("not a did:jwk DID: %s", did)
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding did:jwk payload: %w", err)
	}
	return parseJWK(data)
}

// WebResolver resolves did:web DIDs by fetching the DID document over
// HTTPS.
type WebResolver struct {
	Client *http.Client
}

func (r WebResolver) ResolveKey(ctx context.Context, did string) (crypto.PublicKey, error) {
	rest, ok := strings.CutPrefix(did, "did:web:")
	if !ok {
		return nil, fmt.Errorf("not a did:web DID: %s", did)
	}

	parts := strings.Split(rest, ":")
	domain := parts[0]
	var docURL string
	if len(parts) == 1 {
		docURL = "https://" + domain + "/.well-known/did.json"
	} else {
		docURL = "https://" + domain + "/" + strings.Join(parts[1:], "/") + "/did.json"
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building DID document request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching DID document %s: %w", docURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching DID document %s: HTTP %d", docURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading DID document: %w", err)
	}

	var doc struct {
		VerificationMethod []struct {
			PublicKeyJwk json.RawMessage `json:"publicKeyJwk"`
		} `json:"verificationMethod"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing DID document: %w", err)
	}
	for _, vm := range doc.VerificationMethod {
		if len(vm.PublicKeyJwk) > 0 {
			return parseJWK(vm.PublicKeyJwk)
		}
	}
	return nil, fmt.Errorf("DID document for %s has no publicKeyJwk verification method", did)
}

// ChainResolver tries each resolver in order and returns the first
// successful resolution.
type ChainResolver []Resolver

func (c ChainResolver) ResolveKey(ctx context.Context, did string) (crypto.PublicKey, error) {
	var lastErr error
	for _, r := range c {
		key, err := r.ResolveKey(ctx, did)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver configured")
	}
	return nil, fmt.Errorf("resolving %s: %w", did, lastErr)
}

// DefaultResolver resolves the DID methods this server supports.
func DefaultResolver() Resolver {
	return ChainResolver{JWKResolver{}, WebResolver{}}
}

type jwkEC struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// parseJWK converts a P-256 EC JWK into an ecdsa public key.
func parseJWK(data []byte) (crypto.PublicKey, error) {
	var k jwkEC
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parsing JWK: %w", err)
	}
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported JWK key type %s/%s (need EC/P-256)", k.Kty, k.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decoding JWK x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decoding JWK y coordinate: %w", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("JWK point is not on P-256")
	}
	return pub, nil
}

// DIDJWK derives the did:jwk DID for an EC public key.
func DIDJWK(pub *ecdsa.PublicKey) (string, error) {
	if pub.Curve != elliptic.P256() {
		return "", fmt.Errorf("unsupported curve %s (need P-256)", pub.Curve.Params().Name)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	k := jwkEC{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, size))),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, size))),
	}
	data, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("marshaling JWK: %w", err)
	}
	return "did:jwk:" + base64.RawURLEncoding.EncodeToString(data), nil
}
