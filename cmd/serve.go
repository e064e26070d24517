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

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dominikschlosser/oid4vc-issuer/internal/broadcast"
	"github.com/dominikschlosser/oid4vc-issuer/internal/config"
	"github.com/dominikschlosser/oid4vc-issuer/internal/identity"
	"github.com/dominikschlosser/oid4vc-issuer/internal/issuance"
	"github.com/dominikschlosser/oid4vc-issuer/internal/oid4vc"
	"github.com/dominikschlosser/oid4vc-issuer/internal/store"
	"github.com/dominikschlosser/oid4vc-issuer/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the issuance server",
	Long:  "Starts the HTTP server exposing the OID4VC exchange endpoints, the status list, the admin workflow actions, and the per-session websocket.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logrus.StandardLogger()

	db, err := store.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(cmd.Context(), db); err != nil {
		return err
	}

	key, err := identity.LoadOrCreateKey(cfg.Issuer.KeyFile)
	if err != nil {
		return err
	}
	provider, err := identity.NewDIDProvider(cfg.Issuer.DID, key, nil)
	if err != nil {
		return err
	}

	st := store.New(db)
	hub := broadcast.NewHub(log)
	engine := oid4vc.New(oid4vc.Config{
		Store:         st,
		Provider:      provider,
		Broadcaster:   hub,
		Status:        issuance.NewRevocation(db),
		Allocator:     issuance.NewAllocator(db),
		Log:           log,
		PublicBaseURI: cfg.PublicBaseURI,
	})

	ws := &broadcast.WSHandler{Hub: hub, Log: log}
	server := web.NewServer(engine, st, provider.IssuerDID(), ws, log)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	color.Green("issuer %s listening on %s", provider.IssuerDID(), cfg.ListenAddr)
	log.WithFields(logrus.Fields{
		"addr":   cfg.ListenAddr,
		"public": cfg.PublicBaseURI,
		"db":     cfg.DB.Driver,
	}).Info("server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
