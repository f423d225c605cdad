package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/codec"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/engine"
	"github.com/caretrack/wardsync/internal/metrics"
	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/search"
)

type testAPI struct {
	handler *Handler
	engine  *engine.Engine
	store   *causal.Store
	server  *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := causal.NewStore(filepath.Join(t.TempDir(), "node.db"), causal.Options{
		NodeID: "ward-a",
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Defaults()
	cfg.Node.ID = "ward-a"
	cfg.Auth.AdminUser = "admin"
	cfg.Auth.AdminPassword = "secret"
	cfg.Auth.JWTSecret = "test-secret"

	eng := engine.New(store, nil, logger, 0)
	authn := auth.New(store, cfg.Auth)

	index := search.NewIndex(store)
	if err := index.Build(); err != nil {
		t.Fatalf("index build: %v", err)
	}
	index.Attach(store)

	h := NewHandler(eng, authn, index, metrics.NewCollector(store), cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/", h.ServeAPI)
	mux.HandleFunc("/sync/v1/", h.ServeSync)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testAPI{handler: h, engine: eng, store: store, server: server}
}

func (ta *testAPI) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ta.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (ta *testAPI) login(t *testing.T, user, pass string) string {
	t.Helper()
	resp := ta.request(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{Username: user, Password: pass})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var res auth.LoginResult
	decodeBody(t, resp, &res)
	return res.Token
}

func (ta *testAPI) adminToken(t *testing.T) string {
	return ta.login(t, "admin", "secret")
}

func (ta *testAPI) registerDevice(t *testing.T, name string) string {
	t.Helper()
	resp := ta.request(t, http.MethodPost, "/api/v1/devices", ta.adminToken(t),
		registerDeviceRequest{Name: name, Ward: "icu"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register device status = %d", resp.StatusCode)
	}
	var res registerDeviceResponse
	decodeBody(t, resp, &res)
	return res.Token
}

func TestLoginAndMe(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	var me meResponse
	decodeBody(t, resp, &me)
	if me.User != "admin" || me.Role != auth.RoleAdmin || me.Node != "ward-a" {
		t.Errorf("me = %+v", me)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "admin", Password: "wrong"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRequiresToken(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/api/v1/records/task", "/api/v1/stats", "/api/v1/review"} {
		resp := ta.request(t, http.MethodGet, path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestAPI(t)
	req, _ := http.NewRequest(http.MethodOptions, ta.server.URL+"/api/v1/records/task", nil)
	resp, err := ta.server.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestRecordLifecycle(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/records/task/t-1", token, submitRequest{
		Set: map[string]interface{}{"title": "Check vitals bay 4", "status": "created", "priority": float64(2)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var sub submitResponse
	decodeBody(t, resp, &sub)
	if sub.Status != causal.StatusCommitted {
		t.Errorf("apply status = %q", sub.Status)
	}
	if sub.Version.Fields["title"].Value.Str != "Check vitals bay 4" {
		t.Errorf("title = %q", sub.Version.Fields["title"].Value.Str)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/records/task/t-1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got recordResponse
	decodeBody(t, resp, &got)
	if got.Deleted {
		t.Error("fresh record reported deleted")
	}
	if got.Fields["priority"].Value.Num != 2 {
		t.Errorf("priority = %v", got.Fields["priority"].Value.Num)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/records/task", token, nil)
	var list []recordResponse
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("list len = %d", len(list))
	}

	resp = ta.request(t, http.MethodDelete, "/api/v1/records/task/t-1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ta.request(t, http.MethodGet, "/api/v1/records/task", token, nil)
	decodeBody(t, resp, &list)
	if len(list) != 0 {
		t.Errorf("list after delete len = %d", len(list))
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/records/task?include_deleted=true", token, nil)
	decodeBody(t, resp, &list)
	if len(list) != 1 || !list[0].Deleted {
		t.Errorf("deleted listing = %+v", list)
	}

	resp = ta.request(t, http.MethodPost, "/api/v1/records/task/t-1/restore", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ta.request(t, http.MethodGet, "/api/v1/records/task", token, nil)
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("list after restore len = %d", len(list))
	}
}

func TestSubmitRefEdits(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/records/task/t-2", token, submitRequest{
		Set:     map[string]interface{}{"title": "Turn patient", "status": "created"},
		AddRefs: map[string][]string{"assignees": {"rn.okafor", "rn.lindqvist"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var sub submitResponse
	decodeBody(t, resp, &sub)
	if live := record.LiveRefs(sub.Version.Fields["assignees"].Value); len(live) != 2 {
		t.Fatalf("assignees = %v", live)
	}

	resp = ta.request(t, http.MethodPost, "/api/v1/records/task/t-2", token, submitRequest{
		RemoveRefs: map[string][]string{"assignees": {"rn.lindqvist"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &sub)
	live := record.LiveRefs(sub.Version.Fields["assignees"].Value)
	if len(live) != 1 || live[0] != "rn.okafor" {
		t.Errorf("assignees after remove = %v", live)
	}
}

func TestSubmitRejections(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	cases := []struct {
		name string
		body submitRequest
	}{
		{"reserved field", submitRequest{Set: map[string]interface{}{"_tombstone": true}}},
		{"bad status", submitRequest{Set: map[string]interface{}{"status": "done"}}},
		{"empty delta", submitRequest{}},
		{"bad time", submitRequest{SetTimes: map[string]string{"due": "tomorrow"}}},
		{"set and ref conflict", submitRequest{
			Set:     map[string]interface{}{"assignees": "rn.okafor"},
			AddRefs: map[string][]string{"assignees": {"rn.okafor"}},
		}},
	}
	for _, tc := range cases {
		resp := ta.request(t, http.MethodPost, "/api/v1/records/task/t-3", token, tc.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}

	resp := ta.request(t, http.MethodPost, "/api/v1/records/medication/m-1", token, submitRequest{
		Set: map[string]interface{}{"title": "x"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", resp.StatusCode)
	}
}

func TestSearchAndBoard(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	for i, title := range []string{"Check vitals", "Replace IV line", "Check dressing"} {
		status := "created"
		if i == 1 {
			status = "in_progress"
		}
		resp := ta.request(t, http.MethodPost, fmt.Sprintf("/api/v1/records/task/s-%d", i), token, submitRequest{
			Set:     map[string]interface{}{"title": title, "status": status},
			AddRefs: map[string][]string{"assignees": {"rn.okafor"}},
		})
		resp.Body.Close()
	}

	resp := ta.request(t, http.MethodGet, "/api/v1/search?q=check", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	var results []search.Result
	decodeBody(t, resp, &results)
	if len(results) != 2 {
		t.Errorf("search hits = %d, want 2", len(results))
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/search", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", resp.StatusCode)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/board/task", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("board status = %d", resp.StatusCode)
	}
	var board map[string][]search.Result
	decodeBody(t, resp, &board)
	if len(board["created"]) != 2 || len(board["in_progress"]) != 1 {
		t.Errorf("board = %+v", board)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/assignees/rn.okafor", token, nil)
	decodeBody(t, resp, &results)
	if len(results) != 3 {
		t.Errorf("assignee hits = %d, want 3", len(results))
	}
}

func TestDeviceLifecycleAndRound(t *testing.T) {
	ta := newTestAPI(t)
	deviceToken := ta.registerDevice(t, "icu-tablet-1")

	resp := ta.request(t, http.MethodGet, "/api/v1/devices", ta.adminToken(t), nil)
	var devices []deviceView
	decodeBody(t, resp, &devices)
	if len(devices) != 1 || devices[0].Name != "icu-tablet-1" {
		t.Fatalf("devices = %+v", devices)
	}

	round := engine.RoundRequest{NodeID: "ward-b", Limit: 10}
	resp = ta.request(t, http.MethodPost, "/sync/v1/round", deviceToken, round)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("round status = %d", resp.StatusCode)
	}
	var rr engine.RoundResponse
	decodeBody(t, resp, &rr)
	if rr.NodeID != "ward-a" {
		t.Errorf("round node = %q", rr.NodeID)
	}

	resp = ta.request(t, http.MethodPost,
		"/api/v1/devices/"+devices[0].ID+"/revoke", ta.adminToken(t), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	resp = ta.request(t, http.MethodPost, "/sync/v1/round", deviceToken, round)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked round status = %d, want 401", resp.StatusCode)
	}
}

func TestDeviceEndpointsRequireAdmin(t *testing.T) {
	ta := newTestAPI(t)

	// A staff token minted with the same signing secret but without
	// the admin role.
	staffToken, err := auth.NewJWTService("test-secret").Generate("rn.okafor", auth.RoleStaff, time.Hour)
	if err != nil {
		t.Fatalf("generate staff token: %v", err)
	}

	resp := ta.request(t, http.MethodPost, "/api/v1/devices", staffToken,
		registerDeviceRequest{Name: "rogue"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("staff register status = %d, want 403", resp.StatusCode)
	}

	// Listing stays open to staff so the charge nurse can see which
	// tablets are online.
	resp = ta.request(t, http.MethodGet, "/api/v1/devices", staffToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("staff list status = %d, want 200", resp.StatusCode)
	}
}

func TestSyncRejectsStaffJWT(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.request(t, http.MethodPost, "/sync/v1/round", ta.adminToken(t),
		engine.RoundRequest{NodeID: "ward-b"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestReviewFlowOverRound(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)
	deviceToken := ta.registerDevice(t, "ward-b-node")

	// Seed a record locally and replicate it to a second node.
	a1, _, err := ta.engine.Submit(record.TypeTask, "t-9", map[string]record.FieldValue{
		"title":  record.String("Administer meds"),
		"status": record.Enum("created"),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storeB, err := causal.NewStore(filepath.Join(t.TempDir(), "b.db"), causal.Options{NodeID: "ward-b", Logger: logger})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	defer storeB.Close()
	if _, err := storeB.ApplyRemote(a1); err != nil {
		t.Fatalf("apply seed on b: %v", err)
	}

	// Concurrent edits disagree on the dosage field's type.
	b1, _, err := storeB.SubmitLocal(record.TypeTask, "t-9", map[string]record.FieldValue{
		"dosage": record.Number(5),
	})
	if err != nil {
		t.Fatalf("submit on b: %v", err)
	}
	if _, _, err := ta.engine.Submit(record.TypeTask, "t-9", map[string]record.FieldValue{
		"dosage": record.String("5 mg"),
	}); err != nil {
		t.Fatalf("submit on a: %v", err)
	}

	raw, err := codec.EncodeBatch([]record.Change{b1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp := ta.request(t, http.MethodPost, "/sync/v1/round", deviceToken,
		engine.RoundRequest{NodeID: "ward-b", Changes: raw})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("round status = %d", resp.StatusCode)
	}
	var rr engine.RoundResponse
	decodeBody(t, resp, &rr)
	if len(rr.Acks) != 1 || rr.Acks[0].Status != causal.StatusNeedsReview {
		t.Fatalf("acks = %+v", rr.Acks)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/review", token, nil)
	var entries []causal.ReviewEntry
	decodeBody(t, resp, &entries)
	if len(entries) != 1 {
		t.Fatalf("review entries = %d", len(entries))
	}
	if len(entries[0].Fields) != 1 || entries[0].Fields[0] != "dosage" {
		t.Errorf("review fields = %v", entries[0].Fields)
	}

	path := fmt.Sprintf("/api/v1/review/%d/resolve", entries[0].ID)
	resp = ta.request(t, http.MethodPost, path, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	var resolved causal.ReviewEntry
	decodeBody(t, resp, &resolved)
	if resolved.ResolvedBy != "admin" || resolved.ResolvedAt == 0 {
		t.Errorf("resolved = %+v", resolved)
	}

	// Resolving twice is an error.
	resp = ta.request(t, http.MethodPost, path, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("double resolve status = %d, want 400", resp.StatusCode)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/review", token, nil)
	decodeBody(t, resp, &entries)
	if len(entries) != 0 {
		t.Errorf("open entries after resolve = %d", len(entries))
	}
}

func TestChangesEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	for i := 0; i < 3; i++ {
		resp := ta.request(t, http.MethodPost, fmt.Sprintf("/api/v1/records/task/c-%d", i), token, submitRequest{
			Set: map[string]interface{}{"title": "t", "status": "created"},
		})
		resp.Body.Close()
	}

	resp := ta.request(t, http.MethodGet, "/api/v1/changes", token, nil)
	var changes []record.Change
	decodeBody(t, resp, &changes)
	if len(changes) != 3 {
		t.Errorf("changes = %d, want 3", len(changes))
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/changes?limit=2", token, nil)
	decodeBody(t, resp, &changes)
	if len(changes) != 2 {
		t.Errorf("limited changes = %d, want 2", len(changes))
	}
}

func TestStatsEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/records/task/st-1", token, submitRequest{
		Set: map[string]interface{}{"title": "t", "status": "created"},
	})
	resp.Body.Close()

	resp = ta.request(t, http.MethodGet, "/api/v1/stats", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats statsResponse
	decodeBody(t, resp, &stats)
	if stats.Node != "ward-a" {
		t.Errorf("node = %q", stats.Node)
	}
	if stats.Records != 1 || stats.Changelog != 1 || stats.Indexed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Frontier["ward-a"] != 1 {
		t.Errorf("frontier = %v", stats.Frontier)
	}
}

func TestOptionalSubsystemsDisabled(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/peers", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("peers status = %d, want 503", resp.StatusCode)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/backups", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("backups status = %d, want 503", resp.StatusCode)
	}

	resp = ta.request(t, http.MethodGet, "/api/v1/ratelimit", token, nil)
	var rl map[string]interface{}
	decodeBody(t, resp, &rl)
	if rl["enabled"] != false {
		t.Errorf("ratelimit = %v", rl)
	}
}

func TestPeerSyncTrigger(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	var triggered string
	ta.handler.SetSessions(
		func() []engine.SessionStatus {
			return []engine.SessionStatus{{Peer: "ward-b", URL: "https://ward-b:8420"}}
		},
		func(name string) error {
			if name != "ward-b" {
				return fmt.Errorf("%w: %s", ErrUnknownPeer, name)
			}
			triggered = name
			return nil
		},
	)

	resp := ta.request(t, http.MethodGet, "/api/v1/peers", token, nil)
	var peers []engine.SessionStatus
	decodeBody(t, resp, &peers)
	if len(peers) != 1 || peers[0].Peer != "ward-b" {
		t.Fatalf("peers = %+v", peers)
	}

	resp = ta.request(t, http.MethodPost, "/api/v1/peers/ward-b/sync", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("sync status = %d", resp.StatusCode)
	}
	if triggered != "ward-b" {
		t.Errorf("triggered = %q", triggered)
	}

	resp = ta.request(t, http.MethodPost, "/api/v1/peers/ward-z/sync", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown peer status = %d, want 404", resp.StatusCode)
	}
}

func TestEventBusPublish(t *testing.T) {
	bus := NewEventBus()
	ch := bus.subscribe()
	defer bus.unsubscribe(ch)

	bus.Publish(causal.Event{
		Change: record.Change{RecordType: record.TypeTask, RecordID: "t-1", Origin: "ward-a", Seq: 1},
		Local:  true,
	})

	select {
	case data := <-ch:
		var ev busEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "commit" || ev.RecordID != "t-1" || !ev.Local {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no event published")
	}

	if got := bus.Subscribers(); got != 1 {
		t.Errorf("subscribers = %d", got)
	}
}

func TestEventStream(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.adminToken(t)

	bus := NewEventBus()
	bus.Attach(ta.store)
	ta.handler.SetEventBus(bus)

	req, _ := http.NewRequest(http.MethodGet, ta.server.URL+"/api/v1/events?token="+token, nil)
	resp, err := ta.server.Client().Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := make(chan []byte, 8)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				frames <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				close(frames)
				return
			}
		}
	}()

	waitFor := func(marker string) {
		t.Helper()
		var collected []byte
		timeout := time.After(3 * time.Second)
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					t.Fatalf("stream closed waiting for %q: %q", marker, collected)
				}
				collected = append(collected, frame...)
				if bytes.Contains(collected, []byte(marker)) {
					return
				}
			case <-timeout:
				t.Fatalf("%q not seen in stream: %q", marker, collected)
			}
		}
	}

	// The hello frame confirms the subscription is live before any
	// commits happen.
	waitFor(`"connected"`)

	if _, _, err := ta.engine.Submit(record.TypeTask, "ev-1", map[string]record.FieldValue{
		"title": record.String("t"), "status": record.Enum("created"),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(`"record_id":"ev-1"`)
}
