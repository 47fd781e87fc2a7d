package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bayline/internal/auth"
	"github.com/friendsincode/bayline/internal/bookingpolicy"
	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/directory"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/recommend"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store/storetest"
	"github.com/friendsincode/bayline/internal/webhooks"
)

// day is a Tuesday; the branch is open 08:00-12:00 UTC with 30 minute slots.
const day = "2026-03-10"

type fixture struct {
	router http.Handler
	bus    *events.Bus
	branch *models.Branch
	bayA   *models.ServiceBay
	bayB   *models.ServiceBay
}

func newFixture(t *testing.T, secret []byte) *fixture {
	t.Helper()

	st, db := storetest.Open(t)
	clk := clock.NewManual(storetest.At(t, day, "07:00"))
	bus := events.NewBus()
	logger := zerolog.Nop()

	q := queue.NewManager(st, bus, clk, queue.Config{}, logger)
	dir := directory.New(st, nil, bus, logger)
	a := New(Services{
		Store:       st,
		Calendar:    slots.NewCalendar(st, bus, clk, 30, logger),
		Allocator:   slots.NewAllocator(st, bookingpolicy.Policy{}, bus, clk, logger),
		Reclaimer:   slots.NewReclaimer(st, q, bus, clk, logger),
		Queue:       q,
		Recommender: recommend.New(st, dir, q, bus, clk, recommend.DefaultWeights(), logger),
		Directory:   dir,
		Clock:       clk,
		Bus:         bus,
		Webhooks:    webhooks.NewService(db, bus, clk, logger),
	}, secret, logger)

	r := chi.NewRouter()
	a.Routes(r)

	f := &fixture{router: r, bus: bus}
	f.branch = storetest.Branch(t, db)
	f.bayA = storetest.Bay(t, db, f.branch.ID, "A1")
	f.bayB = storetest.Bay(t, db, f.branch.ID, "B1")
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d, body=%s", rr.Code, want, rr.Body.String())
	}
}

func (f *fixture) generate(t *testing.T) {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/v1/branches/"+f.branch.ID+"/schedule/generate", map[string]any{"from": day}, "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode(t, rr)["slots_created"]; got != float64(16) {
		t.Fatalf("slots_created = %v, want 16", got)
	}
}

func bookBody(id, at string, minutes int) map[string]any {
	return map[string]any{
		"booking_id":       id,
		"date":             day,
		"start_time":       day + "T" + at + ":00Z",
		"duration_minutes": minutes,
	}
}

func TestBookingLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.generate(t)

	rr := f.do(t, http.MethodGet, "/api/v1/branches/"+f.branch.ID+"/availability?date="+day+"&duration=60&bay_id="+f.bayA.ID, nil, "")
	expectStatus(t, rr, http.StatusOK)
	avail := decode(t, rr)["slots"].([]any)
	if len(avail) == 0 {
		t.Fatal("expected availability before booking")
	}
	if first := avail[0].(map[string]any)["starts_at"]; first != day+"T08:00:00Z" {
		t.Fatalf("first start = %v", first)
	}

	bookPath := "/api/v1/bays/" + f.bayA.ID + "/bookings"
	rr = f.do(t, http.MethodPost, bookPath, bookBody("bk-1", "08:00", 60), "")
	expectStatus(t, rr, http.StatusCreated)

	rr = f.do(t, http.MethodPost, bookPath, bookBody("bk-2", "08:30", 30), "")
	expectStatus(t, rr, http.StatusConflict)
	if code := decode(t, rr)["error"]; code != "slot_conflict" {
		t.Fatalf("error = %v, want slot_conflict", code)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/bays/"+f.bayA.ID+"/statistics?date="+day, nil, "")
	expectStatus(t, rr, http.StatusOK)
	if pct := decode(t, rr)["utilization_pct"]; pct != float64(25) {
		t.Fatalf("utilization_pct = %v, want 25", pct)
	}

	rr = f.do(t, http.MethodDelete, "/api/v1/bookings/bk-1", nil, "")
	expectStatus(t, rr, http.StatusOK)
	if n := decode(t, rr)["released_slots"]; n != float64(2) {
		t.Fatalf("released_slots = %v, want 2", n)
	}

	rr = f.do(t, http.MethodDelete, "/api/v1/bookings/bk-1", nil, "")
	expectStatus(t, rr, http.StatusNotFound)
}

func TestBookOutsideWindowReportsRange(t *testing.T) {
	f := newFixture(t, nil)

	body := bookBody("bk-9", "08:00", 30)
	body["date"] = "2026-05-20"
	body["start_time"] = "2026-05-20T08:00:00Z"
	rr := f.do(t, http.MethodPost, "/api/v1/bays/"+f.bayA.ID+"/bookings", body, "")
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	got := decode(t, rr)
	if got["error"] != "out_of_window" || got["from"] != day || got["to"] != "2026-04-30" {
		t.Fatalf("body = %v", got)
	}
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad json", http.MethodPost, "/api/v1/bays/" + f.bayA.ID + "/bookings", "{", http.StatusBadRequest, "invalid_json"},
		{"unknown bay", http.MethodGet, "/api/v1/bays/nope/queue?date=" + day, nil, http.StatusNotFound, "not_found"},
		{"missing duration", http.MethodGet, "/api/v1/branches/" + f.branch.ID + "/availability?date=" + day, nil, http.StatusBadRequest, "duration_required"},
		{"bad status", http.MethodPatch, "/api/v1/bays/" + f.bayA.ID + "/status", map[string]string{"status": "ON_FIRE"}, http.StatusBadRequest, "invalid_request"},
		{"unknown booking", http.MethodPost, "/api/v1/bookings/ghost/complete", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.method, tt.path, tt.body, "")
			expectStatus(t, rr, tt.status)
			if code := decode(t, rr)["error"]; code != tt.code {
				t.Fatalf("error = %v, want %s", code, tt.code)
			}
		})
	}
}

func TestWalkInAssignmentAndQueue(t *testing.T) {
	f := newFixture(t, nil)
	walkIns := "/api/v1/branches/" + f.branch.ID + "/walk-ins"

	rr := f.do(t, http.MethodPost, walkIns, map[string]any{"booking_id": "w-1", "duration_minutes": 30}, "")
	expectStatus(t, rr, http.StatusCreated)
	entry := decode(t, rr)["entry"].(map[string]any)
	if entry["bay_id"] != f.bayA.ID {
		t.Fatalf("assigned bay = %v, want A1", entry["bay_id"])
	}

	rr = f.do(t, http.MethodGet, "/api/v1/bays/"+f.bayA.ID+"/queue", nil, "")
	expectStatus(t, rr, http.StatusOK)
	if n := len(decode(t, rr)["entries"].([]any)); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	rr = f.do(t, http.MethodPost, "/api/v1/queue/transfers", map[string]any{
		"from_bay_id": f.bayA.ID, "to_bay_id": f.bayA.ID, "booking_id": "missing",
	}, "")
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusConflict {
		t.Fatalf("transfer of unknown booking = %d", rr.Code)
	}

	for _, bay := range []*models.ServiceBay{f.bayA, f.bayB} {
		rr = f.do(t, http.MethodPatch, "/api/v1/bays/"+bay.ID+"/status", map[string]string{"status": string(models.BayStatusClosed)}, "")
		expectStatus(t, rr, http.StatusOK)
	}

	rr = f.do(t, http.MethodPost, walkIns, map[string]any{"booking_id": "w-2", "duration_minutes": 30}, "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode(t, rr)["no_bay_available"]; got != true {
		t.Fatalf("no_bay_available = %v", got)
	}

	rr = f.do(t, http.MethodDelete, "/api/v1/bookings/w-1", nil, "")
	expectStatus(t, rr, http.StatusOK)
	if removed := decode(t, rr)["queue_entry_removed"]; removed != true {
		t.Fatalf("queue_entry_removed = %v", removed)
	}
}

func TestBookingWindowEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/api/v1/booking-window", nil, "")
	expectStatus(t, rr, http.StatusOK)
	win := decode(t, rr)
	if win["from"] != day || win["to"] != "2026-04-30" || win["mode"] != "MONTHLY" {
		t.Fatalf("window = %v", win)
	}

	tests := []struct {
		date string
		want bool
	}{
		{"2026-03-10", true},
		{"2026-04-30", true},
		{"2026-05-01", false},
		{"2026-03-09", false},
	}
	for _, tt := range tests {
		rr := f.do(t, http.MethodGet, "/api/v1/booking-window/check?date="+tt.date, nil, "")
		expectStatus(t, rr, http.StatusOK)
		if got := decode(t, rr)["available"]; got != tt.want {
			t.Errorf("available(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}

	rr = f.do(t, http.MethodGet, "/api/v1/booking-window/check?date=tomorrow", nil, "")
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestAuthAndBranchScope(t *testing.T) {
	secret := []byte("test-secret")
	f := newFixture(t, secret)

	issue := func(claims auth.Claims) string {
		token, err := auth.Issue(secret, claims, time.Hour)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return token
	}
	dispatcher := issue(auth.Claims{UserID: "d1", Roles: []string{auth.RoleDispatcher}, BranchIDs: []string{f.branch.ID}})
	foreign := issue(auth.Claims{UserID: "d2", Roles: []string{auth.RoleDispatcher}, BranchIDs: []string{"elsewhere"}})
	admin := issue(auth.Claims{UserID: "a1", Roles: []string{auth.RoleAdmin}})

	queuePath := "/api/v1/bays/" + f.bayA.ID + "/queue?date=" + day
	availability := "/api/v1/branches/" + f.branch.ID + "/availability?date=" + day + "&duration=30"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		token  string
		status int
	}{
		{"no token", http.MethodGet, queuePath, nil, "", http.StatusUnauthorized},
		{"dispatcher queue", http.MethodGet, queuePath, nil, dispatcher, http.StatusOK},
		{"foreign bay", http.MethodGet, queuePath, nil, foreign, http.StatusForbidden},
		{"foreign branch", http.MethodGet, availability, nil, foreign, http.StatusForbidden},
		{"dispatcher directory write", http.MethodPut, "/api/v1/branches/" + f.branch.ID, map[string]any{"name": "x"}, dispatcher, http.StatusForbidden},
		{"dispatcher audit", http.MethodGet, "/api/v1/audit", nil, dispatcher, http.StatusForbidden},
		{"admin audit without service", http.MethodGet, "/api/v1/audit", nil, admin, http.StatusNotFound},
		{"health is public", http.MethodGet, "/api/v1/health", nil, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, f.do(t, tt.method, tt.path, tt.body, tt.token), tt.status)
		})
	}

	rr := f.do(t, http.MethodGet, "/api/v1/branches", nil, foreign)
	expectStatus(t, rr, http.StatusOK)
	if n := len(decode(t, rr)["branches"].([]any)); n != 0 {
		t.Fatalf("foreign token sees %d branches", n)
	}
}

func TestQueueStreamFiltersByBranch(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/branches/" + f.branch.ID + "/queue/stream"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	// wait for the handler to subscribe
	for !subscribed(f.bus, events.EventQueueUpdated) {
		if ctx.Err() != nil {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Publish(events.EventQueueUpdated, events.Payload{"branch_id": "other", "bay_id": "x"})
	f.bus.Publish(events.EventQueueUpdated, events.Payload{"branch_id": f.branch.ID, "bay_id": f.bayA.ID})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != string(events.EventQueueUpdated) || msg.Payload["bay_id"] != f.bayA.ID {
		t.Fatalf("message = %+v", msg)
	}
}

func subscribed(bus *events.Bus, eventType events.EventType) bool {
	for _, et := range bus.Types() {
		if et == eventType {
			return true
		}
	}
	return false
}

func TestWebhookEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	hits := make(chan string, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.Header.Get(webhooks.HeaderEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	base := "/api/v1/branches/" + f.branch.ID + "/webhooks"

	rr := f.do(t, http.MethodPost, base, map[string]any{"url": "not a url"}, "")
	expectStatus(t, rr, http.StatusBadRequest)

	rr = f.do(t, http.MethodPost, base, map[string]any{"url": target.URL, "events": []string{"slot.booked"}}, "")
	expectStatus(t, rr, http.StatusCreated)
	created := decode(t, rr)
	if created["secret"] == "" {
		t.Fatal("secret not returned on create")
	}
	id := created["webhook"].(map[string]any)["id"].(string)

	rr = f.do(t, http.MethodGet, base, nil, "")
	expectStatus(t, rr, http.StatusOK)
	if strings.Contains(rr.Body.String(), created["secret"].(string)) {
		t.Fatal("secret leaked in listing")
	}
	if n := len(decode(t, rr)["webhooks"].([]any)); n != 1 {
		t.Fatalf("webhooks=%d, want 1", n)
	}

	rr = f.do(t, http.MethodPost, "/api/v1/webhooks/"+id+"/test", nil, "")
	expectStatus(t, rr, http.StatusOK)
	if got := <-hits; got != webhooks.EventTest {
		t.Fatalf("event=%q", got)
	}

	expectStatus(t, f.do(t, http.MethodDelete, "/api/v1/webhooks/"+id, nil, ""), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodDelete, "/api/v1/webhooks/"+id, nil, ""), http.StatusNotFound)
}
