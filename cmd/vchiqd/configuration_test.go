// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "vchiqd.toml")
	if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParseDaemon(t *testing.T) {
	store := filepath.Join(t.TempDir(), "store")
	filename := writeConfig(t, `
[logging]
level = "debug"
format = "json"

[link]
completion-capacity = 16
max-services = 32

[transport]
kind = "loopback"
echo = true

[store]
path = "`+filepath.ToSlash(store)+`"
interval = "1s"
`)
	defer log.SetLevel(log.InfoLevel)

	d, err := parseDaemon(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("log level is %v", log.GetLevel())
	}

	conf := d.link.Config()
	if conf.CompletionCapacity != 16 || conf.MaxServices != 32 || conf.MsgQueueSize != vchiq.DefaultConfig().MsgQueueSize {
		t.Fatalf("unexpected link config %+v", conf)
	}
	if d.store == nil || d.recorder == nil || d.diag != nil {
		t.Fatalf("unexpected daemon parts %+v", d)
	}
	if d.link.ConnState() != vchiq.Connected {
		t.Fatalf("link is %v", d.link.ConnState())
	}
}

func TestParseDaemonErrors(t *testing.T) {
	tests := map[string]string{
		"transport": "[transport]\nkind = \"carrier-pigeon\"\n",
		"fourcc":    "[transport]\nrefuse = [\"TOOLONG\"]\n",
		"duration":  "[store]\nretention = \"forever\"\ninterval = \"often\"\n",
		"link":      "[link]\nmessage-queue-size = 3\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if d, err := parseDaemon(writeConfig(t, content)); err == nil {
				d.Close()
				t.Fatal("invalid configuration was accepted")
			}
		})
	}
}
