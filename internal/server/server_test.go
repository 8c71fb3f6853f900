package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reclaim/internal/config"
	"reclaim/internal/db"
	"reclaim/internal/engine"
	"reclaim/internal/ledger"
	"reclaim/internal/migrate"
	reclaimsdk "reclaim/sdk/go"
)

const (
	owner   = "0x00000000000000000000000000000000000000a1"
	finder  = "0x00000000000000000000000000000000000000f1"
	finder2 = "0x00000000000000000000000000000000000000f2"
	arbiter = "0x00000000000000000000000000000000000000ab"

	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	close  func()
}

func (s *testServer) as(actor string) *reclaimsdk.Client {
	c := reclaimsdk.New(s.URL)
	c.ActorID = actor
	return c
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("localnet")
	cfg.Disputes.Arbiters = []string{arbiter}
	if mutate != nil {
		mutate(cfg)
	}
	return engine.New(conn, cfg, ledger.NewSQLChain(conn, cfg.Network.Contracts.Dispute))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	e := newTestEngine(t, nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *reclaimsdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr.StatusCode, apiErr.Code
}

func TestWalletSettlementOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	ownerAPI := srv.as(owner)
	finderAPI := srv.as(finder)

	item, err := ownerAPI.ReportItem(ctx, reclaimsdk.ReportItem{
		Name: "Wallet", Description: "brown leather", Location: "Cafe X", Reward: "0.5",
	})
	if err != nil {
		t.Fatalf("report item: %v", err)
	}
	if item.Metadata.Name != "Wallet" || item.Bounty == nil || item.Bounty.Amount != "0.5" {
		t.Fatalf("unexpected item %+v", item)
	}

	if _, err := finderAPI.FileClaim(ctx, item.ID, reclaimsdk.ClaimDetails{Location: "Cafe X", Contact: "f1@example.com"}); err != nil {
		t.Fatalf("file claim: %v", err)
	}
	claims, err := ownerAPI.ItemClaims(ctx, item.ID)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 || claims[0].Status != "pending" {
		t.Fatalf("expected one pending claim, got %+v", claims)
	}

	_, err = finderAPI.AcceptClaim(ctx, item.ID, finder)
	if status, code := apiCode(t, err); status != http.StatusForbidden || code != "forbidden" {
		t.Fatalf("finder accept: got %d %s", status, code)
	}

	res, err := ownerAPI.AcceptClaim(ctx, item.ID, finder)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Settlement.State != "settled" || res.Claim.Status != "accepted" {
		t.Fatalf("unexpected settlement %+v", res)
	}
	if !res.Item.IsFound || res.Item.Finder != finder {
		t.Fatalf("item not verified for finder: %+v", res.Item)
	}
	if res.Bounty == nil || !res.Bounty.Released || res.Bounty.Recipient != finder {
		t.Fatalf("bounty not released to finder: %+v", res.Bounty)
	}

	_, err = srv.as(finder2).FileClaim(ctx, item.ID, reclaimsdk.ClaimDetails{})
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "item_already_resolved" {
		t.Fatalf("late claim: got %d %s", status, code)
	}

	mine, err := finderAPI.MyClaims(ctx, "finder")
	if err != nil {
		t.Fatalf("my claims: %v", err)
	}
	if len(mine) != 1 || mine[0].Status != "accepted" {
		t.Fatalf("finder claims %+v", mine)
	}
	settled, err := ownerAPI.Settlements(ctx, "settled")
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	if len(settled) != 1 {
		t.Fatalf("expected one settled settlement, got %d", len(settled))
	}
}

func TestRejectThenDisputeAward(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	ownerAPI := srv.as(owner)
	finderAPI := srv.as(finder)

	item, err := ownerAPI.ReportItem(ctx, reclaimsdk.ReportItem{Name: "Umbrella", Reward: "0.1"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := finderAPI.FileClaim(ctx, item.ID, reclaimsdk.ClaimDetails{Description: "black, folding"}); err != nil {
		t.Fatalf("file: %v", err)
	}
	rejected, err := ownerAPI.RejectClaim(ctx, item.ID, finder, "wrong colour")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != "rejected" || rejected.Reason != "wrong colour" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}

	d, err := finderAPI.OpenDispute(ctx, item.ID, "", "it was black")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.Status != "open" || d.Finder != finder {
		t.Fatalf("unexpected dispute %+v", d)
	}

	_, err = ownerAPI.ResolveDispute(ctx, d.ID, "award", "")
	if status, _ := apiCode(t, err); status != http.StatusForbidden {
		t.Fatalf("owner resolving: expected 403, got %d", status)
	}

	out, err := srv.as(arbiter).ResolveDispute(ctx, d.ID, "award", "photo matches")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Dispute.Status != "awarded" || out.Settlement == nil || out.Settlement.Settlement.State != "settled" {
		t.Fatalf("unexpected award %+v", out)
	}
	b, err := ownerAPI.Bounty(ctx, item.ID)
	if err != nil {
		t.Fatalf("bounty: %v", err)
	}
	if !b.Released || b.Recipient != finder {
		t.Fatalf("bounty not awarded: %+v", b)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	api := srv.as(owner)

	_, err := api.Item(ctx, "999")
	if status, code := apiCode(t, err); status != http.StatusNotFound || code != "not_found" {
		t.Fatalf("missing item: got %d %s", status, code)
	}

	item, err := api.ReportItem(ctx, reclaimsdk.ReportItem{Name: "Keys"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	_, err = api.Pledge(ctx, item.ID, "-1")
	if status, code := apiCode(t, err); status != http.StatusBadRequest || code != "bad_request" {
		t.Fatalf("negative pledge: got %d %s", status, code)
	}
	_, err = api.Bounty(ctx, item.ID)
	if status, _ := apiCode(t, err); status != http.StatusNotFound {
		t.Fatalf("missing bounty: got %d", status)
	}

	res, err := http.Get(srv.URL + "/v0/items")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	health, err := http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", health.StatusCode)
	}
}

func TestBearerAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	token, err := SignToken(testSecret, owner, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c := reclaimsdk.New(srv.URL)
	c.BearerToken = token
	item, err := c.ReportItem(ctx, reclaimsdk.ReportItem{Name: "Scarf"})
	if err != nil {
		t.Fatalf("bearer report: %v", err)
	}
	if item.Owner != owner {
		t.Fatalf("expected owner from token subject, got %s", item.Owner)
	}

	bad := reclaimsdk.New(srv.URL)
	forged, _ := SignToken("other-secret", owner, time.Hour)
	bad.BearerToken = forged
	_, err = bad.Board(ctx)
	if status, code := apiCode(t, err); status != http.StatusUnauthorized || code != "invalid_credentials" {
		t.Fatalf("forged token: got %d %s", status, code)
	}

	_, plaintext, err := srv.Engine.CreateAPIKey(ctx, finder, "phone")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	k := reclaimsdk.New(srv.URL)
	k.APIKey = plaintext
	claim, err := k.FileClaim(ctx, item.ID, reclaimsdk.ClaimDetails{Contact: "sms"})
	if err != nil {
		t.Fatalf("api key claim: %v", err)
	}
	if claim.Finder != finder {
		t.Fatalf("expected finder from api key, got %s", claim.Finder)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	api := srv.as(owner)
	for _, name := range []string{"Hat", "Glove", "Book"} {
		if _, err := api.ReportItem(ctx, reclaimsdk.ReportItem{Name: name}); err != nil {
			t.Fatalf("report %s: %v", name, err)
		}
	}
	first, err := api.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", first)
	}
	if first.Items[0].ID < first.Items[1].ID {
		t.Fatalf("events not newest first")
	}
	second, err := api.EventsPage(ctx, 2, first.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", second)
	}
	if second.Items[0].Type != "item.submitted" {
		t.Fatalf("unexpected event %s", second.Items[0].Type)
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v0/items", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("first request: %d", code)
	}
	if code := send("10.0.0.1:1001"); code != http.StatusTooManyRequests {
		t.Fatalf("second request from same ip: %d", code)
	}
	if code := send("10.0.0.2:1000"); code != http.StatusNoContent {
		t.Fatalf("other ip should have its own bucket: %d", code)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []webhookEvent
		sigs []string
	)
	received := make(chan struct{}, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mac := hmac.New(sha256.New, []byte("hook-secret"))
		mac.Write(body)
		mu.Lock()
		got = append(got, evt)
		if r.Header.Get("X-Reclaim-Signature") == "sha256="+hex.EncodeToString(mac.Sum(nil)) {
			sigs = append(sigs, evt.Type)
		}
		mu.Unlock()
		received <- struct{}{}
	}))
	defer hook.Close()

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"item.*"}, Secret: "hook-secret"}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if n := StartWebhooks(ctx, e); n != 1 {
		t.Fatalf("expected one webhook, got %d", n)
	}

	if _, err := e.ReportItem(ctx, engine.ReportOptions{Owner: owner, Name: "Phone", Reward: "1"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "item.submitted" || got[0].Network != "localnet" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if len(sigs) != 1 {
		t.Fatalf("signature did not verify")
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"claim.*", "bounty.released"})
	for evt, want := range map[string]bool{
		"claim.filed":        true,
		"claim.accepted":     true,
		"bounty.released":    true,
		"bounty.pledged":     false,
		"settlement.settled": false,
	} {
		if f.match(evt) != want {
			t.Fatalf("match(%s) = %v", evt, !want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
}
