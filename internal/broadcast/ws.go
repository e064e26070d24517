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

package broadcast

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSHandler upgrades a browser connection to a websocket and streams
// hub messages for the session named in the path until the client
// disconnects.
type WSHandler struct {
	Hub *Hub
	Log *logrus.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The UI is served from a different origin in development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.Log.WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msgs, unsub := h.Hub.Subscribe(sessionID)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				h.Log.WithError(err).WithField("session", sessionID).Debug("websocket write failed")
				return
			}
		}
	}
}
