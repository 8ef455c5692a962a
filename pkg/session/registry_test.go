package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"
	"collab-sync/pkg/session"
	"collab-sync/pkg/testutil"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
)

type captureSink struct {
	mu     sync.Mutex
	events []*db.Event
}

func (s *captureSink) Record(e *db.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

// flakyStore fails version writes while fail is set.
type flakyStore struct {
	db.Store
	fail atomic.Bool
}

func (f *flakyStore) CreateDocumentVersion(ctx context.Context, v *db.DocumentVersion) (*db.DocumentVersion, error) {
	if f.fail.Load() {
		return nil, errors.New("storage unavailable")
	}
	return f.Store.CreateDocumentVersion(ctx, v)
}

type fixture struct {
	reg   *session.Registry
	store db.Store
	clock *testutil.FakeClock
	sink  *captureSink
}

func newFixture(t *testing.T, opts session.Options, store db.Store) *fixture {
	t.Helper()
	if store == nil {
		store = testutil.NewSQLiteStore(t)
	}
	clock := testutil.NewFakeClock()
	opts.Clock = clock.Now
	sink := &captureSink{}
	reg := session.NewRegistry(store, versioning.NewService(store, zap.NewNop()), sink, zap.NewNop(), opts)
	t.Cleanup(func() {
		ctx, cancel := testutil.TestContext()
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &fixture{reg: reg, store: store, clock: clock, sink: sink}
}

func (f *fixture) create(t *testing.T, text string) string {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	info, err := f.reg.Create(ctx, session.Seed{DocumentType: "note", DocumentID: "doc-" + t.Name(), OwnerID: "owner", Text: text})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return info.Session.SessionID
}

func (f *fixture) join(t *testing.T, sessionID, userID string) *session.JoinResult {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	res, err := f.reg.Join(ctx, sessionID, userID, strings.ToUpper(userID))
	if err != nil {
		t.Fatalf("Join(%s) failed: %v", userID, err)
	}
	return res
}

func (f *fixture) latest(t *testing.T, sessionID string) *db.DocumentVersion {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	meta, err := f.store.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSessionBySessionID failed: %v", err)
	}
	v, err := f.store.GetLatestDocumentVersion(ctx, meta.DocumentType, meta.DocumentID)
	if err != nil {
		t.Fatalf("GetLatestDocumentVersion failed: %v", err)
	}
	return v
}

func (f *fixture) status(t *testing.T, sessionID string) db.SessionStatus {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	meta, err := f.store.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSessionBySessionID failed: %v", err)
	}
	return meta.Status
}

// drain reads every frame already queued for a client.
func drain(t *testing.T, c *session.Client) []session.Message {
	t.Helper()
	var out []session.Message
	for {
		select {
		case data, ok := <-c.Outbound():
			if !ok {
				return out
			}
			var m session.Message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("bad frame %s: %v", data, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func frameTypes(frames []session.Message) []string {
	out := make([]string, len(frames))
	for i, m := range frames {
		out[i] = m.Type
	}
	return out
}

func replica(t *testing.T, state []byte) *document.State {
	t.Helper()
	s, err := document.Decode(state)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return s
}

func stateOf(t *testing.T, m session.Message) []byte {
	t.Helper()
	var b []byte
	if err := json.Unmarshal(m.State, &b); err != nil {
		t.Fatalf("bad state field: %v", err)
	}
	return b
}

func text(t *testing.T, s *document.State) string {
	t.Helper()
	txt, err := s.Text()
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	return txt
}

func splice(t *testing.T, s *document.State, pos, del int, ins string) []byte {
	t.Helper()
	u, err := s.Splice(pos, del, ins)
	if err != nil {
		t.Fatalf("Splice failed: %v", err)
	}
	return u
}

func apply(t *testing.T, reg *session.Registry, clientID string, update []byte) {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := reg.ApplyUpdate(ctx, clientID, update); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
}

func leave(t *testing.T, reg *session.Registry, clientID string) {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := reg.Leave(ctx, clientID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
}

func TestJoin_UnknownSession(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := f.reg.Join(ctx, "missing", "u1", "U1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
	if f.reg.Loaded("missing") {
		t.Error("unknown session should not be loaded")
	}
}

func TestCreate_SeedsFirstVersion(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "draft")

	v := f.latest(t, id)
	if v.Version != 1 {
		t.Errorf("version: got %d, want 1", v.Version)
	}
	if got := text(t, replica(t, v.Snapshot)); got != "draft" {
		t.Errorf("text: got %q, want %q", got, "draft")
	}
	if got := f.status(t, id); got != db.StatusPaused {
		t.Errorf("status: got %q, want %q", got, db.StatusPaused)
	}
}

func TestJoin_RosterAndBroadcast(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")

	a := f.join(t, id, "alice")
	got := frameTypes(drain(t, a.Client))
	if len(got) != 2 || got[0] != session.TypeInitialState || got[1] != session.TypeClientList {
		t.Fatalf("alice frames: got %v", got)
	}
	if f.status(t, id) != db.StatusActive {
		t.Errorf("status after first join: got %q, want active", f.status(t, id))
	}

	b := f.join(t, id, "bob")
	if len(b.Clients) != 1 || b.Clients[0].ClientID != a.Client.ID {
		t.Errorf("bob roster: got %+v, want alice only", b.Clients)
	}
	if a.Client.Color == b.Client.Color {
		t.Errorf("colors should differ, both %q", a.Client.Color)
	}
	frames := drain(t, a.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeClientJoin || frames[0].ClientID != b.Client.ID {
		t.Fatalf("alice frames after bob joined: got %+v", frames)
	}

	leave(t, f.reg, b.Client.ID)
	frames = drain(t, a.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeClientLeave || frames[0].UserID != "bob" {
		t.Fatalf("alice frames after bob left: got %+v", frames)
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if _, err := f.store.GetActiveParticipant(ctx, id, "bob"); !errors.Is(err, db.ErrParticipantNotFound) {
		t.Errorf("bob participant should be inactive, got %v", err)
	}
	if _, err := f.store.GetActiveParticipant(ctx, id, "alice"); err != nil {
		t.Errorf("alice participant should be active: %v", err)
	}
}

func TestScenario_ConcurrentInsertsConverge(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")

	a := f.join(t, id, "alice")
	drain(t, a.Client)
	ra := replica(t, a.State)
	apply(t, f.reg, a.Client.ID, splice(t, ra, 0, 0, "hello"))

	b := f.join(t, id, "bob")
	rb := replica(t, b.State)
	if got := text(t, rb); got != "hello" {
		t.Fatalf("bob initial text: got %q, want %q", got, "hello")
	}
	drain(t, a.Client)
	drain(t, b.Client)

	ub := splice(t, rb, 5, 0, "world")
	ua := splice(t, ra, 0, 0, "!")
	apply(t, f.reg, b.Client.ID, ub)
	apply(t, f.reg, a.Client.ID, ua)

	for _, m := range drain(t, a.Client) {
		if m.Type == session.TypeUpdate {
			if _, err := ra.Merge(m.Update); err != nil {
				t.Fatalf("alice merge failed: %v", err)
			}
		}
	}
	for _, m := range drain(t, b.Client) {
		if m.Type == session.TypeUpdate {
			if _, err := rb.Merge(m.Update); err != nil {
				t.Fatalf("bob merge failed: %v", err)
			}
		}
	}

	ta, tb := text(t, ra), text(t, rb)
	if ta != tb {
		t.Fatalf("diverged: alice %q, bob %q", ta, tb)
	}
	if ta != "!helloworld" {
		t.Errorf("text: got %q, want %q", ta, "!helloworld")
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	live, err := f.reg.DocumentState(ctx, versioning.Key{DocumentType: "note", DocumentID: "doc-" + t.Name()})
	if err != nil || live == nil {
		t.Fatalf("DocumentState: got %v, %v", live, err)
	}
	if got := text(t, replica(t, live.State)); got != ta {
		t.Errorf("server text: got %q, want %q", got, ta)
	}
}

func TestApplyUpdate_MalformedKeepsClient(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "stable")
	a := f.join(t, id, "alice")
	b := f.join(t, id, "bob")
	drain(t, a.Client)
	drain(t, b.Client)

	ctx, cancel := testutil.TestContext()
	defer cancel()
	err := f.reg.ApplyUpdate(ctx, a.Client.ID, []byte{0x85, 0x6f, 0x4a, 0x83, 0x00})
	if !errors.Is(err, document.ErrMalformedUpdate) {
		t.Fatalf("got %v, want ErrMalformedUpdate", err)
	}
	if frames := drain(t, b.Client); len(frames) != 0 {
		t.Errorf("malformed update was relayed: %v", frameTypes(frames))
	}

	// still connected and editing
	ra := replica(t, a.State)
	apply(t, f.reg, a.Client.ID, splice(t, ra, 6, 0, "!"))
	frames := drain(t, b.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeUpdate {
		t.Fatalf("bob frames: got %v", frameTypes(frames))
	}
	rb := replica(t, b.State)
	if _, err := rb.Merge(frames[0].Update); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := text(t, rb); got != "stable!" {
		t.Errorf("text: got %q, want %q", got, "stable!")
	}
}

func TestApplyUpdate_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	b := f.join(t, id, "bob")
	drain(t, a.Client)
	drain(t, b.Client)

	u := splice(t, replica(t, a.State), 0, 0, "x")
	apply(t, f.reg, a.Client.ID, u)
	apply(t, f.reg, a.Client.ID, u)

	if frames := drain(t, b.Client); len(frames) != 1 {
		t.Errorf("bob frames: got %v, want one update", frameTypes(frames))
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	info, err := f.reg.Info(ctx, id)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Pending != 1 {
		t.Errorf("pending: got %d, want 1", info.Pending)
	}
}

func TestLeave_LastClientPersistsAndPauses(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	apply(t, f.reg, a.Client.ID, splice(t, replica(t, a.State), 0, 0, "saved"))

	leave(t, f.reg, a.Client.ID)

	v := f.latest(t, id)
	if v.Version != 2 {
		t.Errorf("version: got %d, want 2", v.Version)
	}
	if got := text(t, replica(t, v.Snapshot)); got != "saved" {
		t.Errorf("text: got %q, want %q", got, "saved")
	}
	if got := f.status(t, id); got != db.StatusPaused {
		t.Errorf("status: got %q, want %q", got, db.StatusPaused)
	}

	want := []string{db.EventJoin, db.EventUpdate, db.EventLeave}
	if got := f.sink.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events: got %v, want %v", got, want)
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := f.reg.Leave(ctx, a.Client.ID); !errors.Is(err, session.ErrClientNotFound) {
		t.Errorf("second leave: got %v, want ErrClientNotFound", err)
	}
}

func TestApplyUpdate_ThresholdSnapshot(t *testing.T) {
	f := newFixture(t, session.Options{SnapshotEvery: 2}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	r := replica(t, a.State)

	apply(t, f.reg, a.Client.ID, splice(t, r, 0, 0, "a"))
	if v := f.latest(t, id); v.Version != 1 {
		t.Fatalf("version after one update: got %d, want 1", v.Version)
	}
	apply(t, f.reg, a.Client.ID, splice(t, r, 1, 0, "b"))
	v := f.latest(t, id)
	if v.Version != 2 {
		t.Fatalf("version after two updates: got %d, want 2", v.Version)
	}
	if got := v.Metadata["trigger"]; got != string(versioning.TriggerThreshold) {
		t.Errorf("trigger: got %v, want %q", got, versioning.TriggerThreshold)
	}
}

func TestPresence_AwayReleasesParticipant(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	b := f.join(t, id, "bob")
	drain(t, b.Client)

	ctx, cancel := testutil.TestContext()
	defer cancel()

	if err := f.reg.Presence(ctx, a.Client.ID, "sleeping"); !errors.Is(err, session.ErrInvalidPresence) {
		t.Errorf("got %v, want ErrInvalidPresence", err)
	}

	if err := f.reg.Presence(ctx, a.Client.ID, session.PresenceAway); err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if _, err := f.store.GetActiveParticipant(ctx, id, "alice"); !errors.Is(err, db.ErrParticipantNotFound) {
		t.Errorf("away participant: got %v, want ErrParticipantNotFound", err)
	}
	frames := drain(t, b.Client)
	if len(frames) != 1 || frames[0].Type != session.TypePresence {
		t.Fatalf("bob frames: got %v", frameTypes(frames))
	}
	if p, err := session.PresenceOf(&frames[0]); err != nil || p != session.PresenceAway {
		t.Errorf("presence frame: got %q, %v", p, err)
	}

	if err := f.reg.Presence(ctx, a.Client.ID, session.PresenceActive); err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if _, err := f.store.GetActiveParticipant(ctx, id, "alice"); err != nil {
		t.Errorf("returning participant should be active: %v", err)
	}

	if err := f.reg.Cursor(ctx, a.Client.ID, json.RawMessage(`{"line":1,"column":4}`), nil); err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	frames = drain(t, b.Client)
	if len(frames) != 2 || frames[1].Type != session.TypeCursor || string(frames[1].Position) != `{"line":1,"column":4}` {
		t.Errorf("cursor frame: got %+v", frames)
	}
	// presence and cursor never touch the document
	if info, _ := f.reg.Info(ctx, id); info.Pending != 0 {
		t.Errorf("pending: got %d, want 0", info.Pending)
	}
}

func TestComment_Relayed(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	b := f.join(t, id, "bob")
	drain(t, a.Client)
	drain(t, b.Client)

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := f.reg.Comment(ctx, b.Client.ID, "typo here", json.RawMessage(`3`), nil); err != nil {
		t.Fatalf("Comment failed: %v", err)
	}
	frames := drain(t, a.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeComment || frames[0].Text != "typo here" {
		t.Fatalf("alice frames: got %+v", frames)
	}
	if len(drain(t, b.Client)) != 0 {
		t.Error("comment echoed to its author")
	}
}

func TestMultipleConnectionsShareParticipant(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	tab1 := f.join(t, id, "alice")
	tab2 := f.join(t, id, "alice")

	if tab1.Client.Color != tab2.Client.Color {
		t.Errorf("colors: got %q and %q, want equal", tab1.Client.Color, tab2.Client.Color)
	}

	leave(t, f.reg, tab1.Client.ID)

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if _, err := f.store.GetActiveParticipant(ctx, id, "alice"); err != nil {
		t.Errorf("participant with a remaining connection should stay active: %v", err)
	}
	parts, err := f.store.ListParticipants(ctx, id)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(parts) != 1 {
		t.Errorf("participants: got %d, want 1", len(parts))
	}
}

func TestSlowClientGetsResync(t *testing.T) {
	f := newFixture(t, session.Options{SendBuffer: 2}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	drain(t, a.Client)
	b := f.join(t, id, "bob") // bob's buffer is now full
	drain(t, a.Client)

	ra := replica(t, a.State)
	apply(t, f.reg, a.Client.ID, splice(t, ra, 0, 0, "one "))
	apply(t, f.reg, a.Client.ID, splice(t, ra, 4, 0, "two "))

	if got := frameTypes(drain(t, b.Client)); len(got) != 2 || got[0] != session.TypeInitialState {
		t.Fatalf("bob frames: got %v", got)
	}

	apply(t, f.reg, a.Client.ID, splice(t, ra, 8, 0, "three"))
	frames := drain(t, b.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeSync {
		t.Fatalf("bob frames after catching up: got %v", frameTypes(frames))
	}
	if got := text(t, replica(t, stateOf(t, frames[0]))); got != "one two three" {
		t.Errorf("resync text: got %q, want %q", got, "one two three")
	}

	// back to incremental updates
	apply(t, f.reg, a.Client.ID, splice(t, ra, 0, 0, ">"))
	if got := frameTypes(drain(t, b.Client)); len(got) != 1 || got[0] != session.TypeUpdate {
		t.Errorf("bob frames: got %v, want one update", got)
	}
}

func TestClose_DisconnectsAndCompletes(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	drain(t, a.Client)
	apply(t, f.reg, a.Client.ID, splice(t, replica(t, a.State), 0, 0, "final"))

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := f.reg.Close(ctx, id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	frames := drain(t, a.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeClosed {
		t.Fatalf("frames: got %v, want closed", frameTypes(frames))
	}
	if _, ok := <-a.Client.Outbound(); ok {
		t.Error("outbound should be closed")
	}
	if err := f.reg.ApplyUpdate(ctx, a.Client.ID, []byte("x")); !errors.Is(err, session.ErrClientNotFound) {
		t.Errorf("update after close: got %v, want ErrClientNotFound", err)
	}
	if got := f.status(t, id); got != db.StatusCompleted {
		t.Errorf("status: got %q, want completed", got)
	}
	if got := text(t, replica(t, f.latest(t, id).Snapshot)); got != "final" {
		t.Errorf("text: got %q, want %q", got, "final")
	}

	// closed sessions are released on the next sweep regardless of idle time
	if evicted, _ := f.reg.EvictIdle(ctx, time.Hour); evicted != 1 {
		t.Errorf("evicted: got %d, want 1", evicted)
	}
	if err := f.reg.Close(ctx, "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("close unknown: got %v, want ErrSessionNotFound", err)
	}
}

func TestJoin_ReactivatesCompletedSession(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "kept")

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := f.reg.Close(ctx, id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if evicted, _ := f.reg.EvictIdle(ctx, time.Hour); evicted != 1 {
		t.Fatalf("evicted: got %d, want 1", evicted)
	}

	a := f.join(t, id, "alice")
	if got := text(t, replica(t, a.State)); got != "kept" {
		t.Errorf("text: got %q, want %q", got, "kept")
	}
	if got := f.status(t, id); got != db.StatusActive {
		t.Errorf("status: got %q, want active", got)
	}
}

func TestEvictIdle_ExactlyOnceAfterTimeout(t *testing.T) {
	store := &flakyStore{Store: testutil.NewSQLiteStore(t)}
	f := newFixture(t, session.Options{}, store)
	id := f.create(t, "")
	a := f.join(t, id, "alice")

	// leave while storage is down: the change stays pending in memory
	store.fail.Store(true)
	apply(t, f.reg, a.Client.ID, splice(t, replica(t, a.State), 0, 0, "unsaved"))
	leave(t, f.reg, a.Client.ID)
	if v := f.latest(t, id); v.Version != 1 {
		t.Fatalf("version: got %d, want 1", v.Version)
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.clock.Advance(5 * time.Minute)
	if evicted, failed := f.reg.EvictIdle(ctx, 10*time.Minute); evicted != 0 || failed != 0 {
		t.Errorf("before timeout: got evicted=%d failed=%d", evicted, failed)
	}

	f.clock.Advance(6 * time.Minute)
	if evicted, failed := f.reg.EvictIdle(ctx, 10*time.Minute); evicted != 0 || failed != 1 {
		t.Errorf("storage down: got evicted=%d failed=%d, want 0/1", evicted, failed)
	}
	if !f.reg.Loaded(id) {
		t.Fatal("session with unsaved changes was evicted")
	}

	store.fail.Store(false)
	if evicted, failed := f.reg.EvictIdle(ctx, 10*time.Minute); evicted != 1 || failed != 0 {
		t.Errorf("storage back: got evicted=%d failed=%d, want 1/0", evicted, failed)
	}
	if f.reg.Loaded(id) {
		t.Error("session still loaded after eviction")
	}
	if got := f.status(t, id); got != db.StatusCompleted {
		t.Errorf("status: got %q, want completed", got)
	}
	v := f.latest(t, id)
	if v.Version != 2 {
		t.Errorf("version: got %d, want 2", v.Version)
	}
	if got := text(t, replica(t, v.Snapshot)); got != "unsaved" {
		t.Errorf("text: got %q, want %q", got, "unsaved")
	}

	if evicted, _ := f.reg.EvictIdle(ctx, 10*time.Minute); evicted != 0 {
		t.Errorf("second sweep evicted %d", evicted)
	}
}

func TestFlushStale(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	a := f.join(t, id, "alice")
	apply(t, f.reg, a.Client.ID, splice(t, replica(t, a.State), 0, 0, "draft"))

	ctx, cancel := testutil.TestContext()
	defer cancel()

	if flushed, _ := f.reg.FlushStale(ctx, time.Minute); flushed != 0 {
		t.Errorf("fresh changes flushed: %d", flushed)
	}
	f.clock.Advance(2 * time.Minute)
	if flushed, failed := f.reg.FlushStale(ctx, time.Minute); flushed != 1 || failed != 0 {
		t.Errorf("got flushed=%d failed=%d, want 1/0", flushed, failed)
	}
	v := f.latest(t, id)
	if v.Version != 2 || v.Metadata["trigger"] != string(versioning.TriggerSweep) {
		t.Errorf("got version %d trigger %v", v.Version, v.Metadata["trigger"])
	}
	if flushed, _ := f.reg.FlushStale(ctx, time.Minute); flushed != 0 {
		t.Errorf("clean session flushed again: %d", flushed)
	}
}

func TestEvictionRacingJoins(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")

	ctx, cancel := testutil.TestContext()
	defer cancel()

	stop := make(chan struct{})
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.reg.EvictIdle(ctx, 0)
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.reg.Join(ctx, id, "user", "User")
			if err != nil {
				errs <- err
				return
			}
			if err := f.reg.Leave(ctx, res.Client.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(stop)
	sweeper.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("join/leave during eviction: %v", err)
	}
}

func TestApplyToDocument_RoutesIntoLiveSession(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "base")
	key := versioning.Key{DocumentType: "note", DocumentID: "doc-" + t.Name()}
	a := f.join(t, id, "alice")
	drain(t, a.Client)

	ctx, cancel := testutil.TestContext()
	defer cancel()

	none, err := f.reg.ApplyToDocument(ctx, versioning.Key{DocumentType: "note", DocumentID: "other"}, "m", []byte("x"))
	if err != nil || none != nil {
		t.Fatalf("no live session: got %v, %v", none, err)
	}

	offline := replica(t, a.State)
	res, err := f.reg.ApplyToDocument(ctx, key, "mobile-user", splice(t, offline, 4, 0, "!"))
	if err != nil {
		t.Fatalf("ApplyToDocument failed: %v", err)
	}
	if res.Version.Version != 2 {
		t.Errorf("version: got %d, want 2", res.Version.Version)
	}
	if got := text(t, replica(t, res.State)); got != "base!" {
		t.Errorf("text: got %q, want %q", got, "base!")
	}
	frames := drain(t, a.Client)
	if len(frames) != 1 || frames[0].Type != session.TypeUpdate {
		t.Fatalf("alice frames: got %v", frameTypes(frames))
	}
}

func TestApplyUpdate_OutOfOrderRelaysHeldChanges(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	key := versioning.Key{DocumentType: "note", DocumentID: "doc-" + t.Name()}

	a := f.join(t, id, "alice")
	b := f.join(t, id, "bob")
	drain(t, a.Client)
	drain(t, b.Client)

	ra, rb := replica(t, a.State), replica(t, b.State)
	u1 := splice(t, ra, 0, 0, "hello")
	u2 := splice(t, ra, 5, 0, " world")

	apply(t, f.reg, a.Client.ID, u2)
	if frames := drain(t, b.Client); len(frames) != 0 {
		t.Fatalf("held update should not be relayed, bob got %v", frameTypes(frames))
	}
	apply(t, f.reg, a.Client.ID, u1)

	for _, m := range drain(t, b.Client) {
		if m.Type == session.TypeUpdate {
			if _, err := rb.Merge(m.Update); err != nil {
				t.Fatalf("bob merge failed: %v", err)
			}
		}
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	live, err := f.reg.DocumentState(ctx, key)
	if err != nil || live == nil {
		t.Fatalf("DocumentState: got %v, %v", live, err)
	}
	server := text(t, replica(t, live.State))
	if server != "hello world" {
		t.Errorf("server text: got %q, want %q", server, "hello world")
	}
	if got := text(t, rb); got != server {
		t.Errorf("bob text: got %q, want %q", got, server)
	}
}

func TestApplyToDocument_MissingDependency(t *testing.T) {
	f := newFixture(t, session.Options{}, nil)
	id := f.create(t, "")
	key := versioning.Key{DocumentType: "note", DocumentID: "doc-" + t.Name()}
	a := f.join(t, id, "alice")
	drain(t, a.Client)

	offline := replica(t, a.State)
	u1 := splice(t, offline, 0, 0, "hi")
	u2 := splice(t, offline, 2, 0, "!")

	ctx, cancel := testutil.TestContext()
	defer cancel()
	if _, err := f.reg.ApplyToDocument(ctx, key, "mobile-user", u2); !errors.Is(err, document.ErrMissingDependencies) {
		t.Fatalf("got %v, want ErrMissingDependencies", err)
	}
	if v := f.latest(t, id); v.Version != 1 {
		t.Errorf("version after held update: got %d, want 1", v.Version)
	}

	res, err := f.reg.ApplyToDocument(ctx, key, "mobile-user", u1)
	if err != nil {
		t.Fatalf("ApplyToDocument failed: %v", err)
	}
	if got := text(t, replica(t, res.State)); got != "hi!" {
		t.Errorf("text: got %q, want %q", got, "hi!")
	}
	if got := text(t, replica(t, f.latest(t, id).Snapshot)); got != "hi!" {
		t.Errorf("stored text: got %q, want %q", got, "hi!")
	}
}

// gatedStore blocks the first session lookup until release is closed.
type gatedStore struct {
	db.Store
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedStore) GetSessionBySessionID(ctx context.Context, id string) (*db.Session, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.GetSessionBySessionID(ctx, id)
}

func TestJoin_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	inner := testutil.NewSQLiteStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	meta, err := inner.CreateSession(ctx, &db.Session{DocumentType: "note", DocumentID: "gated", OwnerID: "o"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	gated := &gatedStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, session.Options{}, gated)

	firstCtx, stopFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.reg.Join(firstCtx, meta.SessionID, "u1", "U1")
		firstErr <- err
	}()
	<-gated.entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.reg.Join(ctx, meta.SessionID, "u2", "U2")
		secondErr <- err
	}()

	stopFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first join: got %v, want context.Canceled", err)
	}
	close(gated.release)
	if err := <-secondErr; err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if n := gated.calls.Load(); n != 1 {
		t.Errorf("session loads: got %d, want 1", n)
	}
	if !f.reg.Loaded(meta.SessionID) {
		t.Error("session should be loaded")
	}
}
