// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/vchiq-go/pkg/diag"
	"github.com/dtn7/vchiq-go/pkg/storage"
	"github.com/dtn7/vchiq-go/pkg/transport/loopback"
	"github.com/dtn7/vchiq-go/pkg/transport/stream"
	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Link      linkConf
	Transport transportConf
	Diag      diagConf
	Store     storeConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// linkConf describes the Link-configuration block. Zero values fall back to vchiq.DefaultConfig.
type linkConf struct {
	CompletionCapacity  int `toml:"completion-capacity"`
	MessageQueueSize    int `toml:"message-queue-size"`
	MaxServices         int `toml:"max-services"`
	InitRetries         int `toml:"init-retries"`
	KeepaliveAckRetries int `toml:"keepalive-ack-retries"`
}

// transportConf describes the Transport-configuration block.
type transportConf struct {
	// Kind is one of "loopback", "tcp", or "ws".
	Kind    string
	Address string

	// Echo and Refuse configure the loopback transport.
	Echo   bool
	Refuse []string
}

// diagConf describes the diagnostics server.
type diagConf struct {
	Listen        string
	WatchInterval string `toml:"watch-interval"`
}

// storeConf describes the snapshot store.
type storeConf struct {
	Path      string
	Retention string
	Interval  string
}

// daemon bundles all parts created from a tomlConfig.
type daemon struct {
	transport       vchiq.Transport
	transportCloser io.Closer

	link     *vchiq.Link
	instance *vchiq.Instance

	store    *storage.Store
	recorder *storage.Recorder

	diag *http.Server
}

// applyLogging configures logrus based on the Logging-configuration block.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseDuration of a configuration value, falling back to a default for an empty string.
func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// linkConfig merges the Link-configuration block into vchiq.DefaultConfig.
func (conf linkConf) linkConfig() vchiq.Config {
	c := vchiq.DefaultConfig()

	for _, field := range []struct {
		value int
		dst   *int
	}{
		{conf.CompletionCapacity, &c.CompletionCapacity},
		{conf.MessageQueueSize, &c.MsgQueueSize},
		{conf.MaxServices, &c.MaxServices},
		{conf.InitRetries, &c.InitRetries},
		{conf.KeepaliveAckRetries, &c.KeepaliveAckRetries},
	} {
		if field.value != 0 {
			*field.dst = field.value
		}
	}
	return c
}

// parseTransport creates the configured vchiq.Transport.
func parseTransport(conf transportConf) (vchiq.Transport, io.Closer, error) {
	switch conf.Kind {
	case "", "loopback":
		opts := loopback.Options{Echo: conf.Echo}
		for _, fourcc := range conf.Refuse {
			if len(fourcc) != 4 {
				return nil, nil, fmt.Errorf("transport.refuse: %q is no FourCC", fourcc)
			}
			opts.Refuse = append(opts.Refuse, vchiq.MakeFourCC(fourcc))
		}

		c := loopback.New(opts)
		return c, c, nil

	case "tcp":
		t, err := stream.Dial(conf.Address)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	case "ws":
		t, err := stream.DialWebSocket(conf.Address)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport.kind \"%s\"", conf.Kind)
	}
}

// parseConfig reads the TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// parseDaemon creates the daemon based on the given TOML configuration.
func parseDaemon(filename string) (d *daemon, err error) {
	conf, err := parseConfig(filename)
	if err != nil {
		return
	}

	applyLogging(conf.Logging)

	var durErr error
	watchInterval, wErr := parseDuration("diag.watch-interval", conf.Diag.WatchInterval, time.Second)
	retention, rErr := parseDuration("store.retention", conf.Store.Retention, 24*time.Hour)
	interval, iErr := parseDuration("store.interval", conf.Store.Interval, 10*time.Second)
	for _, e := range []error{wErr, rErr, iErr} {
		if e != nil {
			durErr = multierror.Append(durErr, e)
		}
	}
	if durErr != nil {
		err = durErr
		return
	}

	d = &daemon{}
	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	// Transport and Link
	if d.transport, d.transportCloser, err = parseTransport(conf.Transport); err != nil {
		return
	}

	log.WithFields(log.Fields{
		"kind":    conf.Transport.Kind,
		"address": conf.Transport.Address,
	}).Debug("Created transport")

	if d.link, err = vchiq.NewLink(d.transport, conf.Link.linkConfig()); err != nil {
		return
	}
	if d.instance, err = d.link.Initialise(); err != nil {
		return
	}
	if err = d.link.Connect(d.instance); err != nil {
		return
	}

	// Store
	if conf.Store.Path != "" {
		if d.store, err = storage.NewStore(conf.Store.Path); err != nil {
			return
		}
		d.recorder = storage.NewRecorder(d.store, d.link, interval, retention)
	}

	// Diagnostics
	if conf.Diag.Listen != "" {
		d.diag = &http.Server{
			Addr:    conf.Diag.Listen,
			Handler: diag.NewServer(mux.NewRouter(), d.link, d.store, watchInterval),
		}
	}

	return
}

// Close all parts of the daemon in reverse order of their creation.
func (d *daemon) Close() {
	if d.diag != nil {
		if err := d.diag.Close(); err != nil {
			log.WithError(err).Warn("Closing diagnostics server errored")
		}
	}

	if d.recorder != nil {
		d.recorder.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.WithError(err).Warn("Closing store errored")
		}
	}

	if d.instance != nil {
		if err := d.link.Shutdown(d.instance); err != nil {
			log.WithError(err).Warn("Shutting down instance errored")
		}
	}
	if d.link != nil {
		if err := d.link.Close(); err != nil {
			log.WithError(err).Warn("Closing link errored")
		}
	}

	if d.transportCloser != nil {
		if err := d.transportCloser.Close(); err != nil {
			log.WithError(err).Warn("Closing transport errored")
		}
	}
}
