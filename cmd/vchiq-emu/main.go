// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// vchiq-emu emulates a coprocessor for vchiqd's "tcp" and "ws" transports.
//
// Each connection is served by its own loopback coprocessor, echoing control messages and looping bulk data back.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dtn7/vchiq-go/pkg/transport/loopback"
	"github.com/dtn7/vchiq-go/pkg/transport/stream"
)

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s tcp|ws listen-address\n\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s tcp localhost:4710\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s ws localhost:4711\n", os.Args[0])
	os.Exit(1)
}

// serve a new loopback coprocessor over a MessageSwitch until the connection ends.
func serve(ms stream.MessageSwitch, conn io.Closer, remote string) {
	backend := loopback.New(loopback.Options{Echo: true})
	peer := stream.NewPeer(ms, conn, backend)

	logger := log.WithField("remote", remote)
	logger.Info("Serving coprocessor")

	<-peer.Done()

	if err := peer.Close(); err != nil {
		logger.WithError(err).Debug("Closing peer errored")
	}
	if err := backend.Close(); err != nil {
		logger.WithError(err).Debug("Closing coprocessor errored")
	}
	logger.Info("Connection closed")
}

func listenTCP(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.WithField("listen", address).Info("Listening for TCP connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go serve(stream.NewMessageSwitchReaderWriter(conn, conn), conn, conn.RemoteAddr().String())
	}
}

func listenWebSocket(ctx context.Context, address string) error {
	var upgrader websocket.Upgrader

	mux := http.NewServeMux()
	mux.HandleFunc("/vchiq", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("Upgrading WebSocket failed")
			return
		}

		go serve(stream.NewMessageSwitchWebSocket(conn), conn, r.RemoteAddr)
	})

	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.WithField("listen", address).Info("Listening for WebSocket connections on /vchiq")

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if len(os.Args) != 3 {
		printUsage()
	}

	var listen func(context.Context, string) error
	switch os.Args[1] {
	case "tcp":
		listen = listenTCP
	case "ws":
		listen = listenWebSocket
	default:
		printUsage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(ctx, os.Args[2]) })

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Listener errored")
	}
	log.Info("Shutting down..")
}
