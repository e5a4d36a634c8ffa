package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"leadez/internal/app"
	"leadez/internal/config"
	"leadez/internal/db"
	"leadez/internal/delivery"
	"leadez/internal/domain"
	"leadez/internal/events"
	"leadez/internal/migrate"
	"leadez/internal/ratelimit"
	"leadez/internal/repo"
	leadezsdk "leadez/sdk/go"
)

const (
	adminKey  = "lz_admin_test_key"
	readerKey = "lz_reader_test_key"
)

var epoch = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	svc    *app.Services
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) SDK(key string) *leadezsdk.Client {
	c := leadezsdk.New(s.URL)
	c.APIKey = key
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := app.Build(conn, config.Default(), logger)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	ctx := context.Background()
	for _, k := range []domain.APIKey{
		{ID: "key-admin", ActorID: "admin", Name: "admin", KeyHash: repo.HashAPIKey(adminKey), Scopes: []string{PermAll}},
		{ID: "key-reader", ActorID: "reader", Name: "reader", KeyHash: repo.HashAPIKey(readerKey), Scopes: []string{PermRead, PermDecide}},
	} {
		if err := svc.Repo.InsertAPIKey(ctx, nil, k); err != nil {
			t.Fatalf("insert api key: %v", err)
		}
	}
	host := app.NewHost(svc, delivery.WithClock(ratelimit.NewFakeClock(epoch)))
	authCfg.Logger = logger
	handler, err := New(Config{Host: host, BasePath: "/v0", Auth: authCfg, Now: func() time.Time { return time.Now() }})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		svc:    svc,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func apiKey(key string) map[string]string { return map[string]string{"X-Api-Key": key} }

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func seedMessages(t *testing.T, r repo.Repo, status domain.MessageStatus, n int) []string {
	t.Helper()
	ctx := context.Background()
	leadID := "lead-" + strings.ToLower(string(status))
	if _, err := r.InsertLeads(ctx, []domain.Lead{{
		ID: leadID, FullName: "Ada Lovelace", CompanyName: "Engines", Role: "CTO",
		Email: leadID + "@example.com", Status: domain.LeadMessaged,
	}}); err != nil {
		t.Fatalf("insert lead: %v", err)
	}
	var msgs []domain.Message
	var ids []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-m%d", leadID, i)
		ids = append(ids, id)
		msgs = append(msgs, domain.Message{
			ID: id, LeadID: leadID, Channel: domain.ChannelEmail, Variant: domain.VariantA,
			Content: "Subject: Hello\n\nBody", Status: status,
			CreatedAt: epoch.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}
	if _, err := r.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("insert messages: %v", err)
	}
	return ids
}

func TestHealthIsPublicAndEverythingElseIsNot(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, apiKey("nope"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestPermissionsComeFromKeyScopes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, apiKey(readerKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "reader" || who.Source != "api_key" || len(who.Permissions) != 2 {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/process", map[string]any{}, apiKey(readerKey))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "forbidden" || body.Details["permission"] != PermSend {
		t.Fatalf("unexpected error %+v", body)
	}
}

func TestDecideOnEmptyStoreWaits(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	sdk := srv.SDK(readerKey)

	stats, err := sdk.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Inventory != 0 || stats.Queue.Stats.QueueSize != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	d, err := sdk.Decide(context.Background())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != string(domain.ActionWait) {
		t.Fatalf("expected wait, got %s", d.Action)
	}
}

func TestSendMessagesTool(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	seedMessages(t, srv.svc.Repo, domain.MessageApproved, 3)
	sdk := srv.SDK(adminKey)
	ctx := context.Background()

	live := false
	summary, err := sdk.SendMessages(ctx, leadezsdk.SendOptions{DryRun: &live, BatchSize: 2})
	if err != nil {
		t.Fatalf("send messages: %v", err)
	}
	if summary.Sent != 3 || summary.Failed != 0 || summary.DryRun {
		t.Fatalf("unexpected summary %+v", summary)
	}
	stats, err := sdk.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Snapshot.Messages[string(domain.MessageSent)] != 3 {
		t.Fatalf("expected 3 SENT, got %+v", stats.Snapshot.Messages)
	}
	page, err := sdk.EventsPage(ctx, 10, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != events.TypeQueueRun || page.Items[0].ActorID != "admin" {
		t.Fatalf("expected one queue.run event, got %+v", page.Items)
	}
}

func TestQueueFetchProcessAndClear(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ids := seedMessages(t, srv.svc.Repo, domain.MessageApproved, 3)
	hdr := apiKey(adminKey)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/fetch", map[string]any{"batch_size": 2}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fetch status %d: %s", res.StatusCode, string(data))
	}
	var fetched FetchResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal fetch: %v", err)
	}
	if fetched.Fetched != 2 || strings.Join(fetched.Queue.Snapshot.IDs, ",") != strings.Join(ids[:2], ",") {
		t.Fatalf("unexpected fetch %+v", fetched)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/queue", nil, hdr)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"cleared":2`) {
		t.Fatalf("clear status %d: %s", res.StatusCode, string(data))
	}

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/fetch", map[string]any{}, hdr)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/process", map[string]any{"dry_run": false, "max_dispatch": 1}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(data))
	}
	var summary delivery.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("expected 1 sent, got %+v", summary)
	}
	msg, err := srv.svc.Repo.GetMessage(context.Background(), ids[0])
	if err != nil || msg.Status != domain.MessageSent {
		t.Fatalf("expected %s SENT, got %+v (%v)", ids[0], msg.Status, err)
	}
}

func TestQueueRejectsInvalidOverrides(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/fetch", map[string]any{"max_per_minute": -5}, apiKey(adminKey))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if field := decodeError(t, data).Details["field"]; field != "max_per_minute" {
		t.Fatalf("expected max_per_minute field, got %v", field)
	}
}

func TestReviewMessage(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ids := seedMessages(t, srv.svc.Repo, domain.MessagePending, 1)
	sdk := srv.SDK(adminKey)

	msg, err := sdk.ReviewMessage(context.Background(), ids[0], "APPROVED")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if msg.Status != string(domain.MessageApproved) {
		t.Fatalf("expected APPROVED, got %s", msg.Status)
	}
	_, err = sdk.ReviewMessage(context.Background(), ids[0], "REJECTED")
	var apiErr *leadezsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for non-pending message, got %v", err)
	}
	_, err = srv.SDK(readerKey).ReviewMessage(context.Background(), ids[0], "REJECTED")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for reader, got %v", err)
	}
}

func TestBatchDecide(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	score := 80
	if _, err := srv.svc.Repo.InsertLeads(ctx, []domain.Lead{
		{ID: "enriched", FullName: "B", CompanyName: "C", Role: "R", Status: domain.LeadEnriched, ConfidenceScore: &score},
		{ID: "fresh", FullName: "A", CompanyName: "C", Role: "R", Status: domain.LeadNew},
	}); err != nil {
		t.Fatalf("insert leads: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/decide/batch", map[string]any{}, apiKey(readerKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var out BatchDecideResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if len(out.Leads) != 2 {
		t.Fatalf("expected 2 lead decisions, got %+v", out.Leads)
	}
	if out.Leads[0].LeadID != "fresh" || out.Leads[0].Priority != 100 {
		t.Fatalf("expected NEW lead first, got %+v", out.Leads[0])
	}
	if out.Leads[1].Decision.Action != domain.ActionGenerateMessages || out.Leads[1].Priority != 88 {
		t.Fatalf("unexpected enriched decision %+v", out.Leads[1])
	}

	decisions, err := srv.SDK(readerKey).DecideSnapshots(ctx, []leadezsdk.Snapshot{
		{Messages: map[string]int{"APPROVED": 2}},
		{},
	})
	if err != nil {
		t.Fatalf("decide snapshots: %v", err)
	}
	if len(decisions) != 2 || decisions[0].Action != "send_messages" || decisions[1].Action != "wait" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
}

func TestCycleRecordsRun(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	seedMessages(t, srv.svc.Repo, domain.MessageApproved, 2)
	sdk := srv.SDK(adminKey)
	ctx := context.Background()

	out, err := sdk.Cycle(ctx, true)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if out.Action != "send_messages" || out.Status != "completed" || out.Summary == nil || out.Summary.Sent != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	runs, err := sdk.Runs(ctx, "send_messages", 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != out.RunID {
		t.Fatalf("expected recorded run %s, got %+v", out.RunID, runs)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+out.RunID, nil, apiKey(readerKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/missing", nil, apiKey(readerKey))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestDevLoginIssuesScopedToken(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret", DevLogin: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "ops",
		"permissions": []string{PermRead},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s (%v)", string(data), err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"actor_id":"ops"`) {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected stats with read permission, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/cycle", map[string]any{}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without pipeline.run, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "ops"}, apiKey(adminKey))
	if res.StatusCode != http.StatusNotFound && res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected dev login to be unavailable, got %d", res.StatusCode)
	}
}

func TestEventsCursorPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := srv.svc.Events.Append(ctx, nil, events.TypeCycle, "pipeline_run", fmt.Sprintf("run-%d", i), "tester", events.Payload{"i": i}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	sdk := srv.SDK(readerKey)
	first, err := sdk.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(first.Items) != 2 || first.NextCursor == "" || first.Items[0].EntityID != "run-2" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := sdk.EventsPage(ctx, 2, first.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(second.Items) != 1 || second.NextCursor != "" || second.Items[0].EntityID != "run-0" {
		t.Fatalf("unexpected second page %+v", second)
	}
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, apiKey(readerKey))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestStoreFailureIsServiceUnavailable(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	token, err := signDevToken("s3cret", "ops", nil, []string{PermAll}, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	srv.svc.DB.Close()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "store_unavailable" {
		t.Fatalf("expected store_unavailable, got %s", code)
	}
}

func TestOpenAPIDocumentsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, apiKey(readerKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, want := range []string{"apiKeyAuth", "/v0/tools/send_messages", "/v0/agent/decide"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi missing %q", want)
		}
	}
}

func TestOpenAPIYAMLCarriesPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.yaml", nil, apiKey(readerKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi.yaml status %d", res.StatusCode)
	}
	for _, want := range []string{"x-permission: messages.send", "x-permission: pipeline.decide", "bearerAuth"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi.yaml missing %q", want)
		}
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	huge := map[string]any{"snapshots": []map[string]any{{"note": strings.Repeat("x", maxBodyBytes)}}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/decide/batch", huge, apiKey(adminKey))
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.StatusCode)
	}
	if code := decodeError(t, data).Code; code != "body_too_large" {
		t.Fatalf("expected body_too_large, got %s", code)
	}
}
