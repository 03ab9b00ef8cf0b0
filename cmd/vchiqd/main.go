// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// vchiqd hosts a vchiq.Link, configured by a TOML file, and serves its diagnostics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// watchConfig re-applies the Logging-configuration block whenever the configuration file changes.
func watchConfig(ctx context.Context, filename string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watching the directory also catches replaced files.
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify's Event channel was closed")
			}

			if filepath.Clean(e.Name) != filepath.Clean(filename) || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if conf, err := parseConfig(filename); err != nil {
				log.WithError(err).Warn("Failed to parse changed config, keeping the old one")
			} else {
				applyLogging(conf.Logging)
				log.WithField("file", filename).Info("Re-applied logging configuration")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify's Errors channel was closed")
			}
			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

// serveDiag runs the diagnostics server until the context is done.
func serveDiag(ctx context.Context, srv *http.Server) error {
	errChan := make(chan error, 1)
	go func() {
		log.WithField("listen", srv.Addr).Info("Starting diagnostics server")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errChan:
		return err
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	d, err := parseDaemon(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchConfig(ctx, os.Args[1]) })
	if d.diag != nil {
		g.Go(func() error { return serveDiag(ctx, d.diag) })
	}

	<-ctx.Done()
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("Daemon component failed")
	}

	log.Info("Shutting down..")

	d.diag = nil
	d.Close()
}
