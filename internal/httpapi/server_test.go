package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/momentumhq/calsync/internal/calsync"
)

type stubProvider struct {
	mu     sync.Mutex
	events map[string]*calendar.Event
	serial int
}

func newStubProvider() *stubProvider {
	return &stubProvider{events: map[string]*calendar.Event{}}
}

func (p *stubProvider) ListEvents(ctx context.Context, token string, window calsync.TimeWindow) ([]*calendar.Event, error) {
	_, _, _ = ctx, token, window
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*calendar.Event, 0, len(p.events))
	for _, ev := range p.events {
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

func (p *stubProvider) InsertEvent(ctx context.Context, token string, ev *calendar.Event) (*calendar.Event, error) {
	_, _ = ctx, token
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Id == "" {
		p.serial++
		ev.Id = fmt.Sprintf("g-%d", p.serial)
	}
	if existing, ok := p.events[ev.Id]; ok {
		copied := *existing
		return &copied, nil
	}
	stored := *ev
	p.events[ev.Id] = &stored
	copied := stored
	return &copied, nil
}

func (p *stubProvider) UpdateEvent(ctx context.Context, token, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	_, _ = ctx, token
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.events[eventID]; !ok {
		return nil, &calsync.ProviderError{Kind: calsync.ProviderNotFound, Op: "update", EventID: eventID}
	}
	stored := *ev
	stored.Id = eventID
	p.events[eventID] = &stored
	copied := stored
	return &copied, nil
}

func (p *stubProvider) DeleteEvent(ctx context.Context, token, eventID string) error {
	_, _ = ctx, token
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.events[eventID]; !ok {
		return &calsync.ProviderError{Kind: calsync.ProviderNotFound, Op: "delete", EventID: eventID}
	}
	delete(p.events, eventID)
	return nil
}

func (p *stubProvider) dropRemote(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.events, id)
}

type stubCredentials struct {
	mu    sync.Mutex
	token string
	err   error
	saved map[string]calsync.Credentials
}

func (c *stubCredentials) GetValidToken(ctx context.Context, userID string) (string, error) {
	_, _ = ctx, userID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return c.token, nil
}

func (c *stubCredentials) Put(ctx context.Context, userID string, creds calsync.Credentials) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		c.saved = map[string]calsync.Credentials{}
	}
	c.saved[userID] = creds
	return nil
}

func (c *stubCredentials) Clear(ctx context.Context, userID string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.saved, userID)
	return nil
}

func (c *stubCredentials) stored(userID string) (calsync.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, ok := c.saved[userID]
	return creds, ok
}

type serverFixture struct {
	server     *Server
	ledger     *calsync.MemoryLedger
	projection *calsync.MemoryProjectionStore
	provider   *stubProvider
	creds      *stubCredentials
	scheduler  *calsync.Scheduler
}

func newServerFixture(t *testing.T, cfg ServerConfig) *serverFixture {
	t.Helper()
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600,"refresh_token":"fresh-refresh"}`))
	}))
	t.Cleanup(tokenServer.Close)

	ledger := calsync.NewMemoryLedger()
	projection := calsync.NewMemoryProjectionStore()
	provider := newStubProvider()
	creds := &stubCredentials{token: "access-token"}
	conf := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example/oauth/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  tokenServer.URL + "/auth",
			TokenURL: tokenServer.URL + "/token",
		},
	}
	reconnect := calsync.NewReconnectFlow(conf, creds, nil)

	engine, err := calsync.NewEngine(calsync.EngineOptions{
		Ledger:      ledger,
		Provider:    provider,
		Credentials: creds,
		Projection:  projection,
		Reconnect:   reconnect,
		Retry:       calsync.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	scheduler, err := calsync.NewScheduler(calsync.SchedulerOptions{
		Engine:   engine,
		Settings: projection,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	entities, err := NewEntitySink(projection)
	if err != nil {
		t.Fatalf("NewEntitySink: %v", err)
	}
	server := NewServer(ServerOptions{
		Config:    cfg,
		Ledger:    ledger,
		Scheduler: scheduler,
		Reconnect: reconnect,
		Entities:  entities,
		Feed:      NewFeedSource(projection),
	})
	return &serverFixture{
		server:     server,
		ledger:     ledger,
		projection: projection,
		provider:   provider,
		creds:      creds,
		scheduler:  scheduler,
	}
}

func (fx *serverFixture) addEvent(t *testing.T, userID, id, title string) {
	t.Helper()
	start := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	err := fx.projection.UpsertEvent(context.Background(), calsync.CalendarEvent{
		ID:     id,
		UserID: userID,
		Title:  title,
		Start:  start,
		End:    start.Add(time.Hour),
		Source: calsync.SourceTask,
	})
	if err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
}

func (fx *serverFixture) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	rec := fx.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	for _, path := range []string{"/v1/users", "/v1/users/u1/unknown", "/v2/users/u1/sync"} {
		if rec := fx.do(http.MethodGet, path, "", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestBearerTokenRequired(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{BearerToken: "s3cret"})

	if rec := fx.do(http.MethodGet, "/v1/users/u1/relations", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	header := http.Header{"Authorization": []string{"Bearer wrong"}}
	if rec := fx.do(http.MethodGet, "/v1/users/u1/relations", "", header); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
	header = http.Header{"Authorization": []string{"Bearer s3cret"}}
	if rec := fx.do(http.MethodGet, "/v1/users/u1/relations", "", header); rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
	// The health probe stays open.
	if rec := fx.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestSyncNow(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.addEvent(t, "u1", "task-1", "Write report")

	rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result calsync.SyncResult
	decodeBody(t, rec, &result)
	if !result.Success || result.EventsCreated != 1 {
		t.Fatalf("result = %+v", result)
	}
	rel, err := fx.ledger.FindRelationByLocalEvent(context.Background(), "u1", "task-1")
	if err != nil {
		t.Fatalf("relation not recorded: %v", err)
	}
	if rel.GoogleEventID == "" || rel.SyncStatus != calsync.StatusSynced {
		t.Fatalf("relation = %+v", rel)
	}
}

func TestSyncNowMissingCredentials(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.creds.err = &calsync.CredentialError{UserID: "u1", Reason: calsync.CredentialMissing}
	fx.addEvent(t, "u1", "task-1", "Write report")

	rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &body)
	if body.Code != "credentials_missing" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestSyncNowRevokedCredentials(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.creds.err = &calsync.CredentialError{UserID: "u1", Reason: calsync.CredentialRevoked}
	fx.addEvent(t, "u1", "task-1", "Write report")

	rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestSyncHistory(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.addEvent(t, "u1", "task-1", "Write report")
	if rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	if rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}

	rec := fx.do(http.MethodGet, "/v1/users/u1/sync/history?limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var body struct {
		Logs []calsync.SyncLog `json:"logs"`
	}
	decodeBody(t, rec, &body)
	if len(body.Logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(body.Logs))
	}
	// The second pass had nothing to do; newest first means it comes back.
	if body.Logs[0].EventsCreated != 0 || body.Logs[0].Status != calsync.LogSuccess {
		t.Fatalf("newest log = %+v", body.Logs[0])
	}
}

func TestRelations(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.addEvent(t, "u1", "task-1", "Write report")
	if rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	if err := fx.projection.DeleteEvent(context.Background(), "u1", "task-1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}

	var body struct {
		Relations []calsync.EventRelation `json:"relations"`
	}
	rec := fx.do(http.MethodGet, "/v1/users/u1/relations", "", nil)
	decodeBody(t, rec, &body)
	if len(body.Relations) != 0 {
		t.Fatalf("active relations = %+v, want none after delete", body.Relations)
	}

	rec = fx.do(http.MethodGet, "/v1/users/u1/relations?includeDeleted=true", "", nil)
	decodeBody(t, rec, &body)
	if len(body.Relations) != 1 || body.Relations[0].SyncStatus != calsync.StatusDeleted {
		t.Fatalf("relations = %+v, want one tombstone", body.Relations)
	}
}

func TestRelationRetry(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.addEvent(t, "u1", "task-1", "Write report")
	if rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	rel, err := fx.ledger.FindRelationByLocalEvent(context.Background(), "u1", "task-1")
	if err != nil {
		t.Fatalf("FindRelationByLocalEvent: %v", err)
	}

	// A synced relation is not retryable.
	rec := fx.do(http.MethodPost, "/v1/users/u1/relations/"+rel.ID+"/retry", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry of synced relation status = %d, want 409", rec.Code)
	}

	// Drop the remote copy and let a pass record the missing event.
	fx.provider.dropRemote(rel.GoogleEventID)
	if rec := fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}

	rec = fx.do(http.MethodPost, "/v1/users/u1/relations/"+rel.ID+"/retry", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d body = %s", rec.Code, rec.Body.String())
	}
	var retried calsync.EventRelation
	decodeBody(t, rec, &retried)
	if retried.GoogleEventID != "" || retried.SyncStatus != calsync.StatusPending {
		t.Fatalf("retried relation = %+v", retried)
	}

	// The explicit retry is what authorizes re-creating the remote event.
	rec = fx.do(http.MethodPost, "/v1/users/u1/sync", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	var result calsync.SyncResult
	decodeBody(t, rec, &result)
	if result.EventsCreated != 1 {
		t.Fatalf("result = %+v, want one create", result)
	}
	rel, err = fx.ledger.FindRelationByLocalEvent(context.Background(), "u1", "task-1")
	if err != nil || rel.SyncStatus != calsync.StatusSynced || rel.GoogleEventID == "" {
		t.Fatalf("relation = %+v, %v", rel, err)
	}

	rec = fx.do(http.MethodPost, "/v1/users/u1/relations/no-such-relation/retry", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown relation status = %d, want 404", rec.Code)
	}
}

func TestEntityNotificationUpsert(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	payload := `{
		"op": "upsert",
		"id": "task-1",
		"title": "Write report",
		"startTime": "2026-03-10T09:00:00Z",
		"endTime": "2026-03-10T10:00:00Z",
		"source": "task"
	}`
	rec := fx.do(http.MethodPost, "/v1/users/u1/entities", payload, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	events, err := fx.projection.ListProjectedEvents(context.Background(), "u1")
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %+v, %v", events, err)
	}
	if events[0].Title != "Write report" || events[0].Source != calsync.SourceTask {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestEntityNotificationRejectsInvalid(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	cases := []struct {
		name    string
		payload string
	}{
		{"upsert without title", `{"op":"upsert","id":"task-1","startTime":"2026-03-10T09:00:00Z"}`},
		{"unknown op", `{"op":"replace","id":"task-1"}`},
		{"unknown field", `{"op":"delete","id":"task-1","extra":true}`},
		{"bad recurrence frequency", `{"op":"upsert","id":"t","title":"x","startTime":"2026-03-10T09:00:00Z","recurrence":{"frequency":"hourly"}}`},
		{"not json", `{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fx.do(http.MethodPost, "/v1/users/u1/entities", tc.payload, nil)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestEntityNotificationDeleteUnknownIsNoOp(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	rec := fx.do(http.MethodPost, "/v1/users/u1/entities", `{"op":"delete","id":"never-seen"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestEntityNotificationBodyLimit(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{MaxBodyBytes: 64})
	payload := `{"op":"upsert","id":"task-1","title":"` + strings.Repeat("x", 256) + `","startTime":"2026-03-10T09:00:00Z"}`
	rec := fx.do(http.MethodPost, "/v1/users/u1/entities", payload, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestSettingsUpdate(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	rec := fx.do(http.MethodPut, "/v1/users/u1/settings", `{"syncEnabled":true,"syncFrequencyMinutes":30}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	enabled, err := fx.projection.ListSyncEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListSyncEnabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].UserID != "u1" || enabled[0].SyncFrequencyMinutes != 30 {
		t.Fatalf("settings = %+v", enabled)
	}
}

func TestReconnectReturnsAuthURL(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	rec := fx.do(http.MethodPost, "/v1/users/u1/reconnect", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		AuthURL string `json:"authUrl"`
	}
	decodeBody(t, rec, &body)
	parsed, err := url.Parse(body.AuthURL)
	if err != nil {
		t.Fatalf("parse authUrl: %v", err)
	}
	if !strings.HasPrefix(parsed.Query().Get("state"), "u1:") {
		t.Fatalf("state = %q", parsed.Query().Get("state"))
	}
}

func TestOAuthCallback(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	rec := fx.do(http.MethodPost, "/v1/users/u1/reconnect", "", nil)
	var body struct {
		AuthURL string `json:"authUrl"`
	}
	decodeBody(t, rec, &body)
	parsed, _ := url.Parse(body.AuthURL)
	state := parsed.Query().Get("state")

	// A forged state never reaches the exchange while the real prompt is open.
	rec = fx.do(http.MethodGet, "/v1/oauth/callback?state=u1:forged&code=auth-code", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("forged state status = %d, want 400", rec.Code)
	}
	if _, ok := fx.creds.stored("u1"); ok {
		t.Fatal("credentials stored despite forged state")
	}

	callback := "/v1/oauth/callback?state=" + url.QueryEscape(state) + "&code=auth-code"
	rec = fx.do(http.MethodGet, callback, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d body = %s", rec.Code, rec.Body.String())
	}
	creds, ok := fx.creds.stored("u1")
	if !ok || creds.AccessToken != "fresh-token" {
		t.Fatalf("stored credentials = %+v, %v", creds, ok)
	}
}

func TestCalendarFeed(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.addEvent(t, "u1", "task-1", "Write report")

	rec := fx.do(http.MethodGet, "/v1/users/u1/calendar.ics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/calendar") {
		t.Fatalf("content type = %q", got)
	}
	feed := rec.Body.String()
	for _, want := range []string{"BEGIN:VCALENDAR", "SUMMARY:Write report", "UID:task-1@calsync"} {
		if !strings.Contains(feed, want) {
			t.Fatalf("feed missing %q:\n%s", want, feed)
		}
	}
}

func TestSyncStream(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.addEvent(t, "u1", "task-1", "Write report")

	ts := httptest.NewServer(fx.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL+"/v1/users/u1/sync/stream", nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to register its subscription.
	time.Sleep(50 * time.Millisecond)
	if _, _, err := fx.scheduler.RequestSync(context.Background(), "u1", calsync.SyncManual); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}

	var phases []string
	for len(phases) < 2 {
		var update calsync.StatusUpdate
		if err := wsjson.Read(ctx, conn, &update); err != nil {
			t.Fatalf("read update: %v (phases so far: %v)", err, phases)
		}
		if update.UserID != "u1" {
			t.Fatalf("update for wrong user: %+v", update)
		}
		phases = append(phases, update.Phase)
	}
	if phases[0] != "started" || phases[1] != "finished" {
		t.Fatalf("phases = %v", phases)
	}
}
