// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package stats

import "testing"

func TestTrackerSubscribeUnsubscribe(t *testing.T) {
	tr := New(nil)

	tr.OnSubscribe("client-a", []string{"policy", "data"})
	tr.OnSubscribe("client-b", []string{"policy"})

	snap := tr.Snapshot()
	if snap.ClientCount != 2 {
		t.Fatalf("ClientCount = %d, want 2", snap.ClientCount)
	}

	tr.OnUnsubscribe("client-a", []string{"data"})
	snap = tr.Snapshot()
	for _, c := range snap.Clients {
		if c.ClientID == "client-a" && len(c.Topics) != 1 {
			t.Errorf("client-a topics = %v, want [policy]", c.Topics)
		}
	}

	tr.OnUnsubscribe("client-b", nil) // full disconnect
	snap = tr.Snapshot()
	if snap.ClientCount != 1 {
		t.Fatalf("ClientCount after disconnect = %d, want 1", snap.ClientCount)
	}
}

func TestTrackerDropsClientWhenLastTopicRemoved(t *testing.T) {
	tr := New(nil)
	tr.OnSubscribe("client-a", []string{"policy"})
	tr.OnUnsubscribe("client-a", []string{"policy"})

	snap := tr.Snapshot()
	if snap.ClientCount != 0 {
		t.Fatalf("ClientCount = %d, want 0", snap.ClientCount)
	}
}
