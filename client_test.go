package pinsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roofmarks/pinsync/protocol"
	"github.com/roofmarks/pinsync/transport"
)

func newTestClient(t *testing.T, store *fakeStore, session *fakeSession, dialer *fakeDialer) *Client {
	t.Helper()
	if dialer == nil {
		dialer = &fakeDialer{}
	}
	c, err := New(Config{
		Store:         store,
		Dialer:        dialer,
		Session:       session,
		SenderID:      "device-1",
		ProbeInterval: time.Hour,
		RetryBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestClientOfflineSubmitQueues(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{} // no user: offline
	c := newTestClient(t, store, session, nil)

	if c.Status().IsOnline {
		t.Fatal("Expected client to start offline")
	}

	update := protocol.PinUpdate{PinID: "p1", Fields: map[string]any{"note": "leak"}}
	err := c.Submit(context.Background(), update, func(old any) any { return "optimistic" })
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The optimistic view is applied and the write is queued, the store
	// untouched.
	if v, _ := c.Cache().Get("pin:p1"); v != "optimistic" {
		t.Errorf("Expected optimistic value in cache, got %v", v)
	}
	if got := c.Status().PendingCount; got != 1 {
		t.Errorf("Expected 1 pending, got %d", got)
	}
	store.mu.Lock()
	updates := len(store.updates)
	store.mu.Unlock()
	if updates != 0 {
		t.Errorf("Expected no store writes while offline, got %d", updates)
	}
}

func TestClientOnlineSubmitAppliesDirectly(t *testing.T) {
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{ID: "p1", ManualState: protocol.StatusOpen}
	store.children["p1"] = []ChildRecord{{ID: "c1", ParentID: "p1", Status: protocol.StatusOpen}}
	session := &fakeSession{user: &User{ID: "u1"}}
	c := newTestClient(t, store, session, nil)

	if !c.Status().IsOnline {
		t.Fatal("Expected client to start online")
	}

	change := protocol.StatusChange{PinID: "c1", ParentID: "p1", To: protocol.StatusReadyForInspection}
	if err := c.Submit(context.Background(), change, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := c.Status().PendingCount; got != 0 {
		t.Errorf("Expected nothing queued, got %d pending", got)
	}

	kids, _ := store.ListChildren(context.Background(), "p1")
	if kids[0].Status != protocol.StatusReadyForInspection {
		t.Errorf("Expected child updated in store, got %s", kids[0].Status)
	}

	// The commit recomputed the parent's rollup.
	agg, ok := store.aggregate("p1")
	if !ok {
		t.Fatal("Expected aggregate recomputed after commit")
	}
	if agg.ChildrenReady != 1 || agg.Status != protocol.StatusReadyForInspection {
		t.Errorf("Unexpected aggregate: %+v", agg)
	}
}

func TestClientSubmitFallsBackToQueueOnTransient(t *testing.T) {
	store := newFakeStore()
	store.fail = func(op, table string) error {
		return protocol.NewStoreError(protocol.CodeUnavailable, op, table, nil)
	}
	session := &fakeSession{user: &User{ID: "u1"}}
	c := newTestClient(t, store, session, nil)

	update := protocol.PinUpdate{PinID: "p1", Fields: map[string]any{"note": "x"}}
	err := c.Submit(context.Background(), update, func(old any) any { return "optimistic" })
	if err != nil {
		t.Fatalf("Expected transient failure to downgrade, got %v", err)
	}

	if got := c.Status().PendingCount; got != 1 {
		t.Errorf("Expected operation queued, got %d pending", got)
	}
	if v, _ := c.Cache().Get("pin:p1"); v != "optimistic" {
		t.Errorf("Expected optimistic value kept, got %v", v)
	}
}

func TestClientSubmitSurfacesTerminalError(t *testing.T) {
	store := newFakeStore()
	store.fail = func(op, table string) error {
		return protocol.NewStoreError(protocol.CodePermissionDenied, op, table, nil)
	}
	session := &fakeSession{user: &User{ID: "u1"}}
	c := newTestClient(t, store, session, nil)

	c.Cache().Set("pin:p1", "before")
	update := protocol.PinUpdate{PinID: "p1", Fields: map[string]any{"note": "x"}}
	err := c.Submit(context.Background(), update, func(old any) any { return "optimistic" })
	if protocol.CodeOf(err) != protocol.CodePermissionDenied {
		t.Fatalf("Expected permission error surfaced, got %v", err)
	}

	if got := c.Status().PendingCount; got != 0 {
		t.Errorf("Expected nothing queued on terminal error, got %d", got)
	}
	if v, _ := c.Cache().Get("pin:p1"); v != "before" {
		t.Errorf("Expected rollback, got %v", v)
	}
}

func TestClientClosePinGate(t *testing.T) {
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{ID: "p1", ManualState: protocol.StatusOpen}
	session := &fakeSession{user: &User{ID: "u1"}}
	c := newTestClient(t, store, session, nil)

	err := c.ClosePin(context.Background(), "p1")
	if protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("Expected validation error without evidence, got %v", err)
	}
	if got := c.Status().PendingCount; got != 0 {
		t.Errorf("Expected nothing queued after gate rejection, got %d", got)
	}

	store.mu.Lock()
	p := store.parents["p1"]
	p.ClosingPhotoURL = "photos/p1-closing.jpg"
	store.parents["p1"] = p
	store.mu.Unlock()

	if err := c.ClosePin(context.Background(), "p1"); err != nil {
		t.Fatalf("ClosePin failed with evidence present: %v", err)
	}
	parent, _ := store.GetParent(context.Background(), "p1")
	if parent.ManualState != protocol.StatusClosed {
		t.Errorf("Expected manual state closed, got %s", parent.ManualState)
	}
}

func TestClientClosePinQueuesWhenStoreUnreachable(t *testing.T) {
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{
		ID:              "p1",
		ManualState:     protocol.StatusOpen,
		ClosingPhotoURL: "photos/p1-closing.jpg",
	}
	session := &fakeSession{} // offline
	c := newTestClient(t, store, session, nil)

	// The store cannot be reached, so the closure gate cannot run up
	// front. The close still queues; the gate reruns at apply time.
	store.setFailReads(func(table string) error {
		return protocol.NewStoreError(protocol.CodeUnavailable, "select", table, nil)
	})
	if err := c.ClosePin(context.Background(), "p1"); err != nil {
		t.Fatalf("ClosePin failed while store unreachable: %v", err)
	}
	if got := c.Status().PendingCount; got != 1 {
		t.Fatalf("Expected close queued, got %d pending", got)
	}

	store.setFailReads(nil)
	session.set(&User{ID: "u1"}, nil)
	c.SetNetworkAvailable(true)

	waitFor(t, "queued close to drain", func() bool {
		s := c.Status()
		return s.IsOnline && s.PendingCount == 0 && !s.IsSyncing
	})

	parent, err := store.GetParent(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetParent failed: %v", err)
	}
	if parent.ManualState != protocol.StatusClosed {
		t.Errorf("Expected pin closed after drain, got %s", parent.ManualState)
	}
	if errs := c.Status().SyncErrors; len(errs) != 0 {
		t.Errorf("Expected clean sync, got %+v", errs)
	}
}

func TestClientOfflineWorkSyncsOnReconnect(t *testing.T) {
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{ID: "p1", ManualState: protocol.StatusOpen}
	store.children["p1"] = []ChildRecord{
		{ID: "c1", ParentID: "p1", Status: protocol.StatusOpen},
		{ID: "c2", ParentID: "p1", Status: protocol.StatusOpen},
		{ID: "c3", ParentID: "p1", Status: protocol.StatusOpen},
	}
	session := &fakeSession{} // offline
	c := newTestClient(t, store, session, nil)

	// A day on the roof with no signal: every child is inspected and the
	// closing photo taken.
	ctx := context.Background()
	for _, child := range []string{"c1", "c2", "c3"} {
		change := protocol.StatusChange{PinID: child, ParentID: "p1", To: protocol.StatusReadyForInspection}
		if err := c.Submit(ctx, change, nil); err != nil {
			t.Fatalf("Submit %s failed: %v", child, err)
		}
	}
	photo := protocol.PhotoUpload{
		PhotoID:   "ph1",
		PinID:     "p1",
		ParentID:  "p1",
		ObjectKey: "photos/p1-closing.jpg",
		Closing:   true,
	}
	if err := c.Submit(ctx, photo, nil); err != nil {
		t.Fatalf("Submit photo failed: %v", err)
	}

	if got := c.Status().PendingCount; got != 4 {
		t.Fatalf("Expected 4 pending, got %d", got)
	}

	// Back in coverage: the session returns and the network signal fires.
	session.set(&User{ID: "u1"}, nil)
	c.SetNetworkAvailable(true)

	waitFor(t, "queue drain", func() bool {
		s := c.Status()
		return s.IsOnline && s.PendingCount == 0 && !s.IsSyncing
	})

	kids, _ := store.ListChildren(ctx, "p1")
	for _, k := range kids {
		if k.Status != protocol.StatusReadyForInspection {
			t.Errorf("Expected %s ready, got %s", k.ID, k.Status)
		}
	}
	parent, _ := store.GetParent(ctx, "p1")
	if parent.ClosingPhotoURL != "photos/p1-closing.jpg" {
		t.Errorf("Expected closing photo recorded, got %q", parent.ClosingPhotoURL)
	}

	waitFor(t, "aggregate recompute", func() bool {
		agg, ok := store.aggregate("p1")
		return ok && agg.ChildrenReady == 3 && agg.Status == protocol.StatusReadyForInspection
	})

	if errs := c.Status().SyncErrors; len(errs) != 0 {
		t.Errorf("Expected clean sync, got %+v", errs)
	}
}

func TestClientQueuedCloseHoldsAtReady(t *testing.T) {
	// A close queued offline against a pin whose children are all awaiting
	// inspection must drain cleanly and still derive ReadyForInspection.
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{
		ID:              "p1",
		ManualState:     protocol.StatusOpen,
		ClosingPhotoURL: "photos/p1-closing.jpg",
	}
	store.children["p1"] = []ChildRecord{
		{ID: "c1", ParentID: "p1", Status: protocol.StatusReadyForInspection},
		{ID: "c2", ParentID: "p1", Status: protocol.StatusReadyForInspection},
		{ID: "c3", ParentID: "p1", Status: protocol.StatusReadyForInspection},
	}
	session := &fakeSession{} // offline
	c := newTestClient(t, store, session, nil)

	change := protocol.StatusChange{PinID: "p1", To: protocol.StatusClosed}
	if err := c.Submit(context.Background(), change, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := c.Status().PendingCount; got != 1 {
		t.Fatalf("Expected queued close, got %d pending", got)
	}

	session.set(&User{ID: "u1"}, nil)
	c.SetNetworkAvailable(true)

	waitFor(t, "queue drain", func() bool {
		return c.Status().PendingCount == 0
	})
	if errs := c.Status().SyncErrors; len(errs) != 0 {
		t.Fatalf("Expected clean drain, got %+v", errs)
	}

	waitFor(t, "aggregate recompute", func() bool {
		_, ok := store.aggregate("p1")
		return ok
	})
	agg, _ := store.aggregate("p1")
	if agg.ParentMixState != protocol.StatusClosed {
		t.Errorf("Expected manual close accepted, got %s", agg.ParentMixState)
	}
	if agg.ChildrenReady != 3 {
		t.Errorf("Expected 3 ready children counted, got %d", agg.ChildrenReady)
	}
	if agg.Status != protocol.StatusReadyForInspection {
		t.Errorf("Expected derived ReadyForInspection with ready children, got %s", agg.Status)
	}
}

func TestClientManualCloseWaitsForChildren(t *testing.T) {
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{
		ID:              "p1",
		ManualState:     protocol.StatusOpen,
		ClosingPhotoURL: "photos/p1-closing.jpg",
	}
	store.children["p1"] = []ChildRecord{
		{ID: "c1", ParentID: "p1", Status: protocol.StatusReadyForInspection},
	}
	session := &fakeSession{user: &User{ID: "u1"}}
	c := newTestClient(t, store, session, nil)

	if err := c.ClosePin(context.Background(), "p1"); err != nil {
		t.Fatalf("ClosePin failed: %v", err)
	}

	// The manual flag is set, but the derived status must hold at ready
	// until every child is closed.
	agg, ok := store.aggregate("p1")
	if !ok {
		t.Fatal("Expected aggregate recomputed")
	}
	if agg.ParentMixState != protocol.StatusClosed {
		t.Errorf("Expected manual state closed, got %s", agg.ParentMixState)
	}
	if agg.Status != protocol.StatusReadyForInspection {
		t.Errorf("Expected derived status to stay ready, got %s", agg.Status)
	}

	change := protocol.StatusChange{PinID: "c1", ParentID: "p1", To: protocol.StatusClosed}
	if err := c.Submit(context.Background(), change, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	agg, _ = store.aggregate("p1")
	if agg.Status != protocol.StatusClosed {
		t.Errorf("Expected derived closed once children closed, got %s", agg.Status)
	}
}

func TestClientWatchRoutesChanges(t *testing.T) {
	store := newFakeStore()
	store.parents["p1"] = ParentRecord{ID: "p1", ManualState: protocol.StatusOpen}
	store.children["p1"] = []ChildRecord{
		{ID: "c1", ParentID: "p1", Status: protocol.StatusClosed},
	}
	session := &fakeSession{user: &User{ID: "u1"}}
	dialer := &fakeDialer{}
	c := newTestClient(t, store, session, dialer)

	var seen []protocol.ChangeEvent
	err := c.Watch(context.Background(), protocol.RoofScope("roof-1"), transport.ChannelHandlers{
		OnChange: func(e protocol.ChangeEvent) { seen = append(seen, e) },
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// A peer closes the last child; the event must reach the caller and
	// trigger a recompute of the parent.
	row, _ := json.Marshal(map[string]string{"id": "c1", "parent_id": "p1", "status_child": "Closed"})
	ch := dialer.channel(0)
	ch.mu.Lock()
	onChange := ch.handlers.OnChange
	ch.mu.Unlock()
	onChange(protocol.ChangeEvent{Table: TablePinChildren, Type: protocol.ChangeUpdate, New: row})

	if len(seen) != 1 || seen[0].Table != TablePinChildren {
		t.Errorf("Expected caller handler invoked, got %+v", seen)
	}

	waitFor(t, "recompute from change event", func() bool {
		agg, ok := store.aggregate("p1")
		return ok && agg.ChildrenClosed == 1
	})
}

func TestClientSyncNow(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{}
	c := newTestClient(t, store, session, nil)

	msg := protocol.ChatMessage{ThreadID: "t1", Body: "found another leak"}
	if err := c.Submit(context.Background(), msg, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Connectivity is back but no probe has run yet; an explicit SyncNow
	// after the signal pushes the queue through.
	session.set(&User{ID: "u1"}, nil)
	c.SetNetworkAvailable(true)
	if err := c.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	waitFor(t, "chat message insert", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.inserts) == 1 && store.inserts[0].table == TableChats
	})
}
