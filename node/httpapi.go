// Copyright 2026 The yapyap Authors
// This file is part of the yapyap library.
//
// The yapyap library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The yapyap library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the yapyap library. If not, see <http://www.gnu.org/licenses/>.

package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/yapyap/yapyap/courier"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
)

// adminServer exposes the local inspection and messaging endpoint. It
// is meant for loopback use; it carries no authentication.
type adminServer struct {
	node *Node
	addr string
	log  zerolog.Logger

	srv      *http.Server
	listener net.Listener
}

func newAdminServer(n *Node, addr string, log zerolog.Logger) *adminServer {
	return &adminServer{
		node: n,
		addr: addr,
		log:  log.With().Str("component", "admin").Logger(),
	}
}

func (a *adminServer) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/inbox", a.handleInbox)
	mux.HandleFunc("/outbox", a.handleOutbox)
	mux.HandleFunc("/messages", a.handleMessages)
	mux.HandleFunc("/messages/", a.handleMessage)
	mux.HandleFunc("/peers/", a.handlePeer)
	mux.HandleFunc("/contacts", a.handleContacts)
	mux.HandleFunc("/contacts/", a.handleContact)
	mux.HandleFunc("/routes", a.handleRoutes)
	mux.Handle("/metrics", promhttp.HandlerFor(a.node.registry, promhttp.HandlerOpts{}))

	handler := cors.Default().Handler(mux)
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.listener = listener
	a.srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("admin server")
		}
	}()
	a.log.Info().Str("addr", listener.Addr().String()).Msg("admin endpoint up")
	return nil
}

func (a *adminServer) stop() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.srv.Shutdown(ctx)
}

// Addr returns the bound listen address, useful with ":0".
func (a *adminServer) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.node.Stats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (a *adminServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msgs, err := a.node.Inbox(r.Context(), queryLimit(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	type inboxMsg struct {
		MessageID  string         `json:"messageId"`
		From       message.PeerID `json:"from"`
		Payload    []byte         `json:"payload"`
		Seq        uint64         `json:"sequenceNumber"`
		ReceivedAt int64          `json:"receivedAt"`
	}
	out := make([]inboxMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, inboxMsg{
			MessageID: m.MessageID, From: m.From, Payload: m.Payload,
			Seq: m.Seq, ReceivedAt: m.ReceivedAt.UnixMilli(),
		})
	}
	writeJSON(w, out)
}

func (a *adminServer) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := storage.Status(r.URL.Query().Get("status"))
	entries, err := a.node.Outbox(r.Context(), status, queryLimit(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	type outboxEntry struct {
		MessageID   string         `json:"messageId"`
		Target      message.PeerID `json:"target"`
		Origin      message.PeerID `json:"origin"`
		Status      storage.Status `json:"status"`
		Attempts    int            `json:"attempts"`
		NextRetryAt int64          `json:"nextRetryAt"`
		ExpiresAt   int64          `json:"expiresAt"`
		LastError   string         `json:"lastError,omitempty"`
	}
	out := make([]outboxEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, outboxEntry{
			MessageID: e.MessageID, Target: e.Target, Origin: e.Origin,
			Status: e.Status, Attempts: e.Attempts,
			NextRetryAt: e.NextRetryAt.UnixMilli(), ExpiresAt: e.ExpiresAt.UnixMilli(),
			LastError: e.LastError,
		})
	}
	writeJSON(w, out)
}

func (a *adminServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		To      message.PeerID `json:"to"`
		Payload string         `json:"payload"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, "payload must be base64", http.StatusBadRequest)
		return
	}
	id, err := a.node.Send(r.Context(), req.To, plaintext)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// handleMessage reports the admission state of one inbound message id,
// for tracing whether a send reached this node.
func (a *adminServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/messages/")
	seen, err := a.node.MessageSeen(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"messageId": id, "processed": seen})
}

// handlePeer reports per-peer admission state.
func (a *adminServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peer := message.PeerID(strings.TrimPrefix(r.URL.Path, "/peers/"))
	seq, err := a.node.PeerSequence(r.Context(), peer)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"peerId": peer, "lastSequence": seq})
}

func (a *adminServer) handleContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	contacts, err := a.node.Contacts(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	for i := range contacts {
		contacts[i].LastSeenMillis = contacts[i].LastSeen.UnixMilli()
	}
	writeJSON(w, contacts)
}

func (a *adminServer) handleContact(w http.ResponseWriter, r *http.Request) {
	peer := message.PeerID(strings.TrimPrefix(r.URL.Path, "/contacts/"))
	switch r.Method {
	case http.MethodPut:
		var c storage.Contact
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.PeerID = peer
		if c.LastSeenMillis > 0 {
			c.LastSeen = time.UnixMilli(c.LastSeenMillis)
		}
		applied, err := a.node.UpsertContact(r.Context(), c)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"applied": applied})
	case http.MethodDelete:
		if err := a.node.RemoveContact(r.Context(), peer); err != nil {
			a.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *adminServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	routes, err := a.node.Routes(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	for i := range routes {
		routes[i].LastSeenMillis = routes[i].LastSeen.UnixMilli()
	}
	writeJSON(w, routes)
}

func (a *adminServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, courier.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrInvalidRecipient):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrOutboxFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		a.log.Error().Err(err).Msg("admin request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}
