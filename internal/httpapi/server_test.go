package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ap-development/medrelay/internal/assistant"
	"github.com/ap-development/medrelay/internal/crm"
	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/models"
	"github.com/ap-development/medrelay/internal/store"
	"github.com/ap-development/medrelay/internal/transport/telegram"
)

const testToken = "test-admin-token"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.User{}, &models.Message{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	s, err := store.New(gdb)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func newTestRouter(t *testing.T, mutate func(*Opts)) http.Handler {
	t.Helper()
	opts := Opts{
		Store:     newTestStore(t),
		AuthToken: testToken,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return newRouter(withNopLogger(opts))
}

func withNopLogger(opts Opts) Opts {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return opts
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func seedMessages(t *testing.T, st *store.Store, chatID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		dir := models.DirectionIn
		if i%2 == 1 {
			dir = models.DirectionOut
		}
		ext := int64(1000 + i)
		err := st.RecordTurn(context.Background(), store.Turn{
			ChatID:     chatID,
			Direction:  dir,
			ExternalID: &ext,
			Text:       "message",
			CreatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("seed turn: %v", err)
		}
	}
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(t, nil)
	w := doRequest(t, h, http.MethodGet, "/healthz", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeJSON(t, w)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestAdminAPI_RequiresBearer(t *testing.T) {
	h := newTestRouter(t, nil)
	for _, path := range []string{"/api/v1/messages", "/api/v1/chats", "/api/v1/analytics/summary", "/admin/selftest"} {
		if w := doRequest(t, h, http.MethodGet, path, "", "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, w.Code)
		}
		if w := doRequest(t, h, http.MethodGet, path, "wrong", "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status = %d, want 401", path, w.Code)
		}
	}
}

func TestMessages_ListAndCursors(t *testing.T) {
	st := newTestStore(t)
	h := newRouter(withNopLogger(Opts{Store: st, AuthToken: testToken}))
	seedMessages(t, st, 42, 5)

	w := doRequest(t, h, http.MethodGet, "/api/v1/messages?chat_id=42&limit=2", testToken, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	items := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	// Default order is descending: newest rows (ids 5, 4) first.
	first := items[0].(map[string]any)
	if first["id"].(float64) != 5 {
		t.Errorf("first id = %v, want 5", first["id"])
	}
	if body["next_before"].(float64) != 4 {
		t.Errorf("next_before = %v, want 4", body["next_before"])
	}

	// Page back with the returned cursor.
	w = doRequest(t, h, http.MethodGet, "/api/v1/messages?chat_id=42&limit=2&before_id=4", testToken, "", nil)
	body = decodeJSON(t, w)
	items = body["items"].([]any)
	if len(items) != 2 || items[0].(map[string]any)["id"].(float64) != 3 {
		t.Errorf("second page starts at %v, want 3", items[0].(map[string]any)["id"])
	}
}

func TestMessages_DirectionFilter(t *testing.T) {
	st := newTestStore(t)
	h := newRouter(withNopLogger(Opts{Store: st, AuthToken: testToken}))
	seedMessages(t, st, 42, 4)

	w := doRequest(t, h, http.MethodGet, "/api/v1/messages?direction=in", testToken, "", nil)
	body := decodeJSON(t, w)
	for _, it := range body["items"].([]any) {
		if it.(map[string]any)["direction"] != "in" {
			t.Errorf("direction = %v, want in", it.(map[string]any)["direction"])
		}
	}

	if w := doRequest(t, h, http.MethodGet, "/api/v1/messages?direction=sideways", testToken, "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad direction: status = %d, want 400", w.Code)
	}
}

func TestChats_Counters(t *testing.T) {
	st := newTestStore(t)
	h := newRouter(withNopLogger(Opts{Store: st, AuthToken: testToken}))
	seedMessages(t, st, 42, 3)
	seedMessages(t, st, 43, 1)

	w := doRequest(t, h, http.MethodGet, "/api/v1/chats?period=week", testToken, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	items := decodeJSON(t, w)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("chats = %d, want 2", len(items))
	}

	if w := doRequest(t, h, http.MethodGet, "/api/v1/chats?period=year", testToken, "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad period: status = %d, want 400", w.Code)
	}
}

func TestAnalytics_Summary(t *testing.T) {
	st := newTestStore(t)
	h := newRouter(withNopLogger(Opts{Store: st, AuthToken: testToken}))
	seedMessages(t, st, 42, 4)

	w := doRequest(t, h, http.MethodGet, "/api/v1/analytics/summary", testToken, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if body["total_messages"].(float64) != 4 {
		t.Errorf("total_messages = %v, want 4", body["total_messages"])
	}
	if body["inbound"].(float64) != 2 || body["outbound"].(float64) != 2 {
		t.Errorf("inbound/outbound = %v/%v, want 2/2", body["inbound"], body["outbound"])
	}
	if body["active_chats"].(float64) != 1 {
		t.Errorf("active_chats = %v, want 1", body["active_chats"])
	}
}

// fakeProber scripts the selftest result.
type fakeProber struct {
	res assistant.ProbeResult
	err error
}

func (f *fakeProber) Probe(ctx context.Context) (assistant.ProbeResult, error) {
	return f.res, f.err
}

func TestSelftest(t *testing.T) {
	prober := &fakeProber{res: assistant.ProbeResult{Reply: "pong", Latency: 1200 * time.Millisecond}}
	h := newTestRouter(t, func(o *Opts) { o.Prober = prober })

	w := doRequest(t, h, http.MethodGet, "/admin/selftest", testToken, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if body["ok"] != true || body["reply_head"] != "pong" {
		t.Errorf("body = %v, want ok with reply head", body)
	}

	prober.err = errors.New("upstream down")
	if w := doRequest(t, h, http.MethodGet, "/admin/selftest", testToken, "", nil); w.Code != http.StatusBadGateway {
		t.Errorf("failed probe: status = %d, want 502", w.Code)
	}
}

func TestSelftest_NotConfigured(t *testing.T) {
	h := newTestRouter(t, nil)
	if w := doRequest(t, h, http.MethodGet, "/admin/selftest", testToken, "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// fakeTelegramFeeder records fed updates.
type fakeTelegramFeeder struct {
	updates []telegram.Update
	err     error
}

func (f *fakeTelegramFeeder) Feed(ctx context.Context, u telegram.Update) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, u)
	return nil
}

func TestTelegramWebhook(t *testing.T) {
	feeder := &fakeTelegramFeeder{}
	h := newTestRouter(t, func(o *Opts) {
		o.Telegram = feeder
		o.TelegramSecret = "hook-secret"
	})
	update := `{"update_id":7,"message":{"message_id":1,"chat":{"id":42},"text":"hi"}}`

	w := doRequest(t, h, http.MethodPost, "/webhook/telegram", "", update,
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(feeder.updates) != 1 || feeder.updates[0].UpdateID != 7 {
		t.Errorf("fed updates = %+v, want one with id 7", feeder.updates)
	}

	w = doRequest(t, h, http.MethodPost, "/webhook/telegram", "", update,
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", w.Code)
	}
	if len(feeder.updates) != 1 {
		t.Errorf("update fed despite wrong secret")
	}
}

// fakeCRMFeeder records fed events.
type fakeCRMFeeder struct {
	scope  string
	events []crm.WebhookEvent
}

func (f *fakeCRMFeeder) ScopeID() string { return f.scope }

func (f *fakeCRMFeeder) Feed(ctx context.Context, ev crm.WebhookEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func TestCRMWebhook(t *testing.T) {
	feeder := &fakeCRMFeeder{scope: "scope-1"}
	h := newTestRouter(t, func(o *Opts) {
		o.CRM = feeder
		o.CRMSecret = "channel-secret"
	})
	body := `{"time":1700000000,"message":{"conversation":{"id":"conv-1"},"sender":{"id":"u1","name":"Pat"},"message":{"id":"m1","type":"text","text":"hello"}}}`
	sig := crm.Sign("channel-secret", []byte(body))

	w := doRequest(t, h, http.MethodPost, "/webhook/crm/scope-1", "", body,
		map[string]string{"X-Signature": sig})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(feeder.events) != 1 || feeder.events[0].Message.Payload.Text != "hello" {
		t.Errorf("fed events = %+v, want one with text hello", feeder.events)
	}

	w = doRequest(t, h, http.MethodPost, "/webhook/crm/scope-1", "", body,
		map[string]string{"X-Signature": "deadbeef"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: status = %d, want 401", w.Code)
	}
	w = doRequest(t, h, http.MethodPost, "/webhook/crm/other-scope", "", body,
		map[string]string{"X-Signature": sig})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown scope: status = %d, want 404", w.Code)
	}
}

func TestStart_Validation(t *testing.T) {
	if err := Start(context.Background(), Opts{AuthToken: "x"}); err == nil {
		t.Error("Start accepted a nil store")
	}
	if err := Start(context.Background(), Opts{Store: newTestStore(t)}); err == nil {
		t.Error("Start accepted an empty auth token")
	}
}
