package agent

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	env := newTestEnv(t, extra, Deps{})
	require.NoError(t, env.svc.Start(context.Background()))
	require.Equal(t, StateActive, env.svc.Lifecycle().State())
	env.net.reset()
	return env
}

func TestStaticAssetFromInstallIsServedWithoutNetwork(t *testing.T) {
	env := startedEnv(t, "")

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/bundle.js"))

	assert.Equal(t, OutcomeHit, out)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "console.log(1)", string(ent.Body))
	assert.Zero(t, env.net.totalCalls())
}

func TestCacheFirstMissStoresIntoStatic(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/logo.svg", http.StatusOK, "<svg/>")

	_, out := env.svc.engine.Serve(context.Background(), env.get(t, "/logo.svg"))
	require.Equal(t, OutcomeMiss, out)

	_, out = env.svc.engine.Serve(context.Background(), env.get(t, "/logo.svg"))
	assert.Equal(t, OutcomeHit, out)
	assert.Equal(t, 1, env.net.hits("/logo.svg"))

	ent, ok := env.stored(t, env.cfg.StaticGeneration(), "/logo.svg")
	require.True(t, ok)
	assert.Equal(t, "<svg/>", string(ent.Body))
}

func TestCacheFirstOfflineFallsBackToRootDocument(t *testing.T) {
	env := startedEnv(t, "")
	env.net.setOffline(true)

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/missing.css"))

	assert.Equal(t, OutcomeFallbackRoot, out)
	assert.Equal(t, "<html>root</html>", string(ent.Body))
}

func TestAPIResponseIsStoredAndServedOffline(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/api/orders", http.StatusOK, `[{"id":1}]`, "Content-Type", "application/json")

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/api/orders"))
	require.Equal(t, OutcomeNetwork, out)
	require.Equal(t, `[{"id":1}]`, string(ent.Body))

	stored, ok := env.stored(t, env.cfg.DynamicGeneration(), "/api/orders")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, stored.Status)
	assert.Equal(t, `[{"id":1}]`, string(stored.Body))

	env.net.setOffline(true)
	ent, out = env.svc.engine.Serve(context.Background(), env.get(t, "/api/orders"))
	assert.Equal(t, OutcomeFallbackCache, out)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, `[{"id":1}]`, string(ent.Body))
}

func TestAPIOfflineWithoutCacheIs503(t *testing.T) {
	env := startedEnv(t, "")
	env.net.setOffline(true)

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/api/never-seen"))

	assert.Equal(t, OutcomeOffline, out)
	assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
	assert.Equal(t, "Offline", string(ent.Body))
}

func TestNetworkFirstDocumentFallsBackToRoot(t *testing.T) {
	env := startedEnv(t, "")
	env.net.setOffline(true)

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/api/report", "Sec-Fetch-Dest", "document"))

	assert.Equal(t, OutcomeFallbackRoot, out)
	assert.Equal(t, "<html>root</html>", string(ent.Body))
}

func TestErrorResponsesAreNeverCached(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/api/broken", http.StatusInternalServerError, "boom")

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/api/broken"))

	assert.Equal(t, OutcomeNetwork, out)
	assert.Equal(t, http.StatusInternalServerError, ent.Status)
	assert.Equal(t, "boom", string(ent.Body))
	_, ok := env.stored(t, env.cfg.DynamicGeneration(), "/api/broken")
	assert.False(t, ok)
}

func TestNoStoreResponsesAreNotCached(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/api/me", http.StatusOK, "secret", "Cache-Control", "no-store")

	_, out := env.svc.engine.Serve(context.Background(), env.get(t, "/api/me"))

	assert.Equal(t, OutcomeNetwork, out)
	_, ok := env.stored(t, env.cfg.DynamicGeneration(), "/api/me")
	assert.False(t, ok)
}

func TestNavigationWithCachedEntryIssuesExactlyOneRefresh(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/about", http.StatusOK, "about v1", "Content-Type", "text/html")

	_, out := env.svc.engine.Serve(context.Background(), env.get(t, "/about", "Accept", "text/html"))
	require.Equal(t, OutcomeMiss, out)
	require.Equal(t, 1, env.net.hits("/about"))

	env.net.handle("/about", http.StatusOK, "about v2", "Content-Type", "text/html")
	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/about", "Accept", "text/html"))
	assert.Equal(t, OutcomeStale, out)
	assert.Equal(t, "about v1", string(ent.Body))

	// Close waits for background refreshes.
	env.svc.Close()
	assert.Equal(t, 2, env.net.hits("/about"))

	refreshed, ok := env.stored(t, env.cfg.DynamicGeneration(), "/about")
	require.True(t, ok)
	assert.Equal(t, "about v2", string(refreshed.Body))
}

func TestFailedBackgroundRefreshKeepsStaleEntry(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/pricing", http.StatusOK, "prices", "Content-Type", "text/html")
	_, _ = env.svc.engine.Serve(context.Background(), env.get(t, "/pricing", "Accept", "text/html"))

	env.net.setOffline(true)
	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/pricing", "Accept", "text/html"))
	require.Equal(t, OutcomeStale, out)
	assert.Equal(t, "prices", string(ent.Body))

	env.svc.Close()
	stored, ok := env.stored(t, env.cfg.DynamicGeneration(), "/pricing")
	require.True(t, ok)
	assert.Equal(t, "prices", string(stored.Body))
}

func TestNavigationOfflineWithoutCacheFallsBackToRoot(t *testing.T) {
	env := startedEnv(t, "")
	env.net.setOffline(true)

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/contact", "Sec-Fetch-Mode", "navigate"))

	assert.Equal(t, OutcomeFallbackRoot, out)
	assert.Equal(t, "<html>root</html>", string(ent.Body))
}

func TestOfflineWithNothingCachedIsSyntheticOffline(t *testing.T) {
	env := newTestEnv(t, "", Deps{})
	env.net.setOffline(true)

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/app.js"))

	assert.Equal(t, OutcomeOffline, out)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "Offline", string(ent.Body))
}

func TestReturnedEntryDoesNotShareMemoryWithCache(t *testing.T) {
	env := startedEnv(t, "")

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/bundle.js"))
	require.Equal(t, OutcomeHit, out)
	ent.Body[0] = 'X'
	ent.Header.Set("Content-Type", "text/plain")

	again, _ := env.svc.engine.Serve(context.Background(), env.get(t, "/bundle.js"))
	assert.Equal(t, "console.log(1)", string(again.Body))
	assert.Equal(t, "application/javascript", again.Header.Get("Content-Type"))
}

func TestBypassRulesSkipTheCache(t *testing.T) {
	env := startedEnv(t, `
rules:
  - match: PathPrefix(/admin)
    bypass: true
  - match: PathPrefix(/account)
    bypassWhenCookies: ["session"]
`)
	env.net.handle("/admin/stats.js", http.StatusOK, "admin")
	env.net.handle("/account", http.StatusOK, "account", "Content-Type", "text/html")

	_, out := env.svc.engine.Serve(context.Background(), env.get(t, "/admin/stats.js"))
	assert.Equal(t, OutcomeBypass, out)
	_, ok := env.stored(t, env.cfg.StaticGeneration(), "/admin/stats.js")
	assert.False(t, ok)

	_, out = env.svc.engine.Serve(context.Background(), env.get(t, "/account", "Accept", "text/html", "Cookie", "session=abc"))
	assert.Equal(t, OutcomeBypass, out)

	_, out = env.svc.engine.Serve(context.Background(), env.get(t, "/account", "Accept", "text/html"))
	assert.Equal(t, OutcomeMiss, out)
}

func TestBypassFailureIsBadGateway(t *testing.T) {
	env := startedEnv(t, `
rules:
  - match: PathPrefix(/live)
    bypass: true
`)
	env.net.setOffline(true)

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/live/feed"))

	assert.Equal(t, OutcomeBadGateway, out)
	assert.Equal(t, http.StatusBadGateway, ent.Status)
}

func TestRuleStrategyOverride(t *testing.T) {
	env := startedEnv(t, `
rules:
  - match: PathPrefix(/api/catalog)
    strategy: cache-first
`)
	env.net.handle("/api/catalog", http.StatusOK, "catalog")

	_, out := env.svc.engine.Serve(context.Background(), env.get(t, "/api/catalog"))
	require.Equal(t, OutcomeMiss, out)
	_, out = env.svc.engine.Serve(context.Background(), env.get(t, "/api/catalog"))
	assert.Equal(t, OutcomeHit, out)
	assert.Equal(t, 1, env.net.hits("/api/catalog"))
}

func TestNonNetworkSchemeGoesToBaseTransport(t *testing.T) {
	env := startedEnv(t, "")
	var baseCalls int
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		baseCalls++
		return okResponse("from base"), nil
	})
	client := &http.Client{Transport: env.svc.Transport(base)}

	resp, err := client.Get("file:///etc/hostname")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 1, baseCalls)
	assert.Zero(t, env.net.totalCalls())

	resp, err = client.Get(testOrigin + "/bundle.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 1, baseCalls)
	assert.Equal(t, string(OutcomeHit), resp.Header.Get(outcomeHeader))
}

func TestRevalidateIsSkippedWhenBackgroundSlotsAreFull(t *testing.T) {
	env := startedEnv(t, `
network:
  maxBackground: 1
`)
	env.net.handle("/docs", http.StatusOK, "docs", "Content-Type", "text/html")
	_, _ = env.svc.engine.Serve(context.Background(), env.get(t, "/docs", "Accept", "text/html"))

	env.svc.engine.bgSem <- struct{}{}
	_, out := env.svc.engine.Serve(context.Background(), env.get(t, "/docs", "Accept", "text/html"))
	<-env.svc.engine.bgSem

	assert.Equal(t, OutcomeStale, out)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, env.net.hits("/docs"))
}
