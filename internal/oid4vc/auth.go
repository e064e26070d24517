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
	"fmt"

	"github.com/dominikschlosser/oid4vc-issuer/internal/broadcast"
	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
	"github.com/dominikschlosser/oid4vc-issuer/internal/model"
	"github.com/dominikschlosser/oid4vc-issuer/internal/state"
)

// HandleAuthResponse verifies a wallet's SIOP/OID4VP authentication
// response and advances whatever the state points at: a plain state is
// a login, a state with an extra part continues the flow step the
// matching stored request was created for. The browser session learns
// the outcome via broadcast either way.
func (e *Engine) HandleAuthResponse(ctx context.Context, resp identity.AuthResponse) error {
	st := state.Decode(resp.State)
	if st.SessionID == "" {
		return fmt.Errorf("auth response has no state: %w", identity.ErrVerification)
	}

	if resp.VPToken == "" && st.Extra == "" {
		return e.handleLogin(ctx, st.SessionID, resp)
	}
	return e.handleFlowStep(ctx, st, resp)
}

// handleLogin binds the holder DID from a verified id_token to the
// browser session, creating the user on first contact.
func (e *Engine) handleLogin(ctx context.Context, sessionID string, resp identity.AuthResponse) error {
	if resp.IDToken == "" {
		return fmt.Errorf("login response carries no id_token: %w", identity.ErrVerification)
	}

	claims, err := e.provider.ValidateJWT(ctx, resp.IDToken)
	if err != nil {
		return err
	}
	did, _ := claims["iss"].(string)
	if did == "" {
		return fmt.Errorf("id_token has no iss claim: %w", identity.ErrVerification)
	}

	sess, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return err
	}

	user, err := e.store.UserByDID(ctx, did)
	switch {
	case err == nil:
		e.bindSession(ctx, sess, user)
		e.hub.Broadcast(sessionID, broadcast.Message{
			"error": "User already exists!",
			"login": user.LoginComplete(),
			"user":  user,
		})
		return nil
	case isNotFound(err):
		user = &model.User{DID: did}
		if err := e.store.CreateUser(ctx, user); err != nil {
			return err
		}
		e.bindSession(ctx, sess, user)
		e.hub.Broadcast(sessionID, broadcast.Message{
			"login": user.LoginComplete(),
			"user":  user,
		})
		return nil
	default:
		return err
	}
}

// handleFlowStep verifies a flow-scoped response and records the
// completed step. The state's extra segment usually names the stored
// request that was answered; an id_token may alternatively reference
// the application itself. A vp_token is only ever verified against the
// presentation definition stored with the original request.
func (e *Engine) handleFlowStep(ctx context.Context, st state.State, resp identity.AuthResponse) error {
	applicationID := ""
	var pex map[string]any

	offer, err := e.store.SiopOffer(ctx, st.Extra)
	switch {
	case err == nil:
		applicationID = offer.ApplicationID
		pex = offer.Pex
	case isNotFound(err) && resp.VPToken == "" && st.Extra != "":
		applicationID = st.Extra
	default:
		return err
	}

	if err := e.provider.VerifyAuthResponse(ctx, resp, pex); err != nil {
		return err
	}

	token := resp.VPToken
	if token == "" {
		token = resp.IDToken
	}
	claims, err := e.provider.ValidateJWT(ctx, token)
	if err != nil {
		return err
	}
	did, _ := claims["iss"].(string)

	if applicationID != "" {
		app, err := e.store.Application(ctx, applicationID)
		if err != nil {
			return err
		}
		actions, err := e.store.StepActions(ctx, app.ID)
		if err != nil {
			return err
		}
		action := &model.StepAction{
			ApplicationID: app.ID,
			StepIndex:     len(actions),
			Status:        "proceed",
			Metadata:      map[string]any{"did": did},
		}
		if err := e.store.AppendStepAction(ctx, action); err != nil {
			return err
		}
	}

	e.hub.Broadcast(st.SessionID, broadcast.Message{"shared": true})
	return nil
}

// bindSession records the DID and user on the session. Binding is best
// effort: the login already succeeded, so a failed session write is
// logged, not returned.
func (e *Engine) bindSession(ctx context.Context, sess *model.Session, user *model.User) {
	sess.DID = user.DID
	sess.UserID = user.ID
	sess.IsValid = true
	if err := e.store.SaveSession(ctx, sess); err != nil {
		e.log.WithError(err).WithField("session", sess.ID).Warn("binding session to user failed")
	}
}
