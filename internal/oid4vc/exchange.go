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

package oid4vc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dominikschlosser/oid4vc-issuer/internal/bitstring"
	"github.com/dominikschlosser/oid4vc-issuer/internal/broadcast"
	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
	"github.com/dominikschlosser/oid4vc-issuer/internal/state"
	"github.com/dominikschlosser/oid4vc-issuer/internal/store"
)

// IssueCredential runs the credential endpoint exchange: it verifies
// the bearer token and the wallet's proof-of-possession, binds the
// holder to a user account, marks the application claimed, and returns
// the signed credential. The session that started the flow is notified
// on success.
func (e *Engine) IssueCredential(ctx context.Context, bearer, proof string) (*identity.CredentialResponse, error) {
	if bearer == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}

	claims, err := e.provider.ValidateJWT(ctx, bearer)
	if err != nil {
		return nil, err
	}
	applicationID, _ := claims["applicationId"].(string)
	stateStr, _ := claims["state"].(string)
	if applicationID == "" {
		return nil, fmt.Errorf("bearer token has no application claim: %w", identity.ErrVerification)
	}

	holderDID, err := e.provider.VerifyProof(ctx, bearer, proof)
	if err != nil {
		return nil, err
	}

	app, err := e.store.Application(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != model.StatusApproved {
		return nil, fmt.Errorf("application %s: %w", app.ID, ErrNotApproved)
	}

	if err := e.bindHolder(ctx, app, holderDID); err != nil {
		return nil, err
	}

	ci, err := e.store.Issuance(ctx, app.ID)
	if err != nil {
		return nil, err
	}

	if !app.Claimed {
		if err := e.status.SetClaimed(ctx, app.ID); err != nil {
			return nil, err
		}
		app.Claimed = true
	}

	template, err := e.store.Template(ctx, app.TemplateID)
	if err != nil {
		return nil, err
	}

	in, err := e.credentialInput(app, template, ci, holderDID)
	if err != nil {
		return nil, err
	}
	signed, err := e.provider.SignCredential(ctx, *in)
	if err != nil {
		return nil, err
	}

	if sessionID := state.Decode(stateStr).SessionID; sessionID != "" {
		e.hub.Broadcast(sessionID, broadcast.Message{"credential": true})
	}
	return signed, nil
}

// bindHolder attaches the holder DID to a user account, creating one on
// first issuance, and records the user on the application. An
// application that already belongs to a user keeps that binding.
func (e *Engine) bindHolder(ctx context.Context, app *model.Application, holderDID string) error {
	user, err := e.store.UserByDID(ctx, holderDID)
	if isNotFound(err) {
		user = &model.User{DID: holderDID, Email: app.Email}
		if err := e.store.CreateUser(ctx, user); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if app.UserID == "" {
		app.UserID = user.ID
		if err := e.store.SaveApplication(ctx, app); err != nil {
			return err
		}
	}
	return nil
}

// credentialInput assembles the signing input: prefilled template
// fields overlaid with the application body, the status list entry for
// the application's index, and the expiry from the template duration.
func (e *Engine) credentialInput(app *model.Application, template *model.CredentialTemplate, ci *model.CredentialIssuance, holderDID string) (*identity.CredentialInput, error) {
	body := make(map[string]any, len(template.PrefilledFields)+len(app.Body)+1)
	for k, v := range template.PrefilledFields {
		body[k] = v
	}
	for k, v := range app.Body {
		body[k] = v
	}
	if logo := templateLogo(template); logo != "" {
		body["logo"] = logo
	}

	expiry, err := expiryEpoch(app, template)
	if err != nil {
		return nil, err
	}

	listURL := e.statusListURL(template.ID)
	index := strconv.Itoa(ci.ApplicationIndex)
	status := map[string]any{
		"id":                   listURL + "#" + index,
		"type":                 "BitstringStatusListEntry",
		"statusPurpose":        "revocation",
		"statusListIndex":      index,
		"statusListCredential": listURL,
	}

	issuerBase := template.IssuerURL
	if issuerBase == "" {
		issuerBase = e.publicBaseURI
	}

	in := &identity.CredentialInput{
		RecipientDID: holderDID,
		Type:         template.Name,
		Shape:        template.Type,
		ID:           issuerBase + "/verify/" + app.ID,
		Body:         body,
		Status:       status,
		ExpiryDate:   expiry,
		IssuerName:   template.IssuerName,
	}
	if template.Type == "badge" {
		in.BadgeName, _ = template.BadgeFields["name"].(string)
		in.Description, _ = template.BadgeFields["description"].(string)
		in.Criteria, _ = template.BadgeFields["criteria"].(string)
		in.Image, _ = template.BadgeFields["image"].(string)
	}
	return in, nil
}

// templateLogo picks the credential's display logo: the template icon
// wins over the issuer-level logo.
func templateLogo(template *model.CredentialTemplate) string {
	if template.Icon != "" {
		return template.Icon
	}
	return template.IssuerLogo
}

// expiryEpoch computes the credential expiry as approval time plus the
// template duration in seconds. A non-numeric duration fails the
// issuance rather than minting a credential that never expires.
func expiryEpoch(app *model.Application, template *model.CredentialTemplate) (int64, error) {
	if template.Duration == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseInt(template.Duration, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("template %s has non-numeric duration %q: %w", template.ID, template.Duration, err)
	}
	return app.ApprovalTimestamp.Unix() + seconds, nil
}

// freshEncodedList encodes an all-zero status vector of the default
// size.
func freshEncodedList() (string, error) {
	return bitstring.Encode(bitstring.New(bitstring.DefaultSize))
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
