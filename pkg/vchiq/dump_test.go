// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"os"
	"testing"
)

func TestInstances(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	inst.SetTrace(true)

	var info *InstanceInfo
	for _, i := range l.Instances() {
		if i.ID == inst.ID() {
			info = &i
			break
		}
	}
	if info == nil {
		t.Fatalf("instance %d is not listed", inst.ID())
	}

	if !info.Connected || !info.Trace || info.Pid != os.Getpid() || info.CompletionCapacity != 4 {
		t.Fatalf("unexpected instance info %+v", *info)
	}
}

func TestServicesInfo(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BYTE", true)

	if err := deliverMessage(l, h, 1); err != nil {
		t.Fatal(err)
	}

	info, ok := serviceInfo(l, h)
	if !ok {
		t.Fatalf("service %v is not listed", h)
	}
	if info.FourCC != "BYTE" || info.State != "OPEN" || !info.ByteStream || info.Messages != 1 || info.MessageQueueSize != 4 {
		t.Fatalf("unexpected service info %+v", info)
	}
	if info.Instance != inst.ID() {
		t.Fatalf("service belongs to instance %d", info.Instance)
	}
}

func TestUseStateOnlyNonZero(t *testing.T) {
	conf := testConfig()
	conf.MaxServices = 128
	l, _, inst := newTestLink(t, conf)

	var used ServiceHandle
	for i := 0; i <= maxServiceInfo; i++ {
		h, err := l.AddService(inst, ServiceParams{FourCC: MakeFourCC("MANY"), ClientID: i})
		if err != nil {
			t.Fatal(err)
		}
		used = h
	}
	if err := l.UseService(used); err != nil {
		t.Fatal(err)
	}

	state := l.UseState()
	if !state.OnlyNonZero {
		t.Fatalf("%d active services did not restrict the dump", state.ActiveServices)
	}
	if len(state.Services) != 1 || state.Services[0].Handle != used || state.Services[0].UseCount != 1 {
		t.Fatalf("unexpected services %+v", state.Services)
	}

	l.DumpServiceUseState()
}
