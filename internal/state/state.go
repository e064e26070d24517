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

// Package state encodes and decodes the opaque "state" string threaded
// through SIOP/OID4VC redirects. The state survives an external wallet
// round-trip as an untyped string, so decoding must accept any input.
package state

import (
	"fmt"
	"strings"
)

// Separator joins the session id and an optional flow reference inside
// the state string. It is reserved: ids containing it are rejected at
// encode time since the format has no escaping.
const Separator = "::"

// State is the decoded form of a state string. Extra is empty for plain
// login/session flows and carries an application or offer id for
// flow-scoped continuations.
type State struct {
	SessionID string
	Extra     string
}

// Encode builds a state string from a session id and an optional extra
// reference (application or offer id).
func Encode(sessionID, extra string) (string, error) {
	if strings.Contains(sessionID, Separator) {
		return "", fmt.Errorf("session id %q contains reserved separator %q", sessionID, Separator)
	}
	if extra == "" {
		return sessionID, nil
	}
	if strings.Contains(extra, Separator) {
		return "", fmt.Errorf("reference id %q contains reserved separator %q", extra, Separator)
	}
	return sessionID + Separator + extra, nil
}

// Decode parses a state string. It is total over any input: a string
// without the separator degrades to a plain session state.
func Decode(s string) State {
	sessionID, extra, found := strings.Cut(s, Separator)
	if !found {
		return State{SessionID: s}
	}
	return State{SessionID: sessionID, Extra: extra}
}
