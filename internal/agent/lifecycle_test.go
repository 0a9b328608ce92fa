package agent

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generationNames(t *testing.T, s *Store) []string {
	t.Helper()
	gens, err := s.Generations()
	require.NoError(t, err)
	names := make([]string, 0, len(gens))
	for _, g := range gens {
		names = append(names, g.Name)
	}
	return names
}

func seedGeneration(t *testing.T, s *Store, gen string, kind Kind) {
	t.Helper()
	u := mustURL(t, testOrigin+"/seed")
	require.NoError(t, s.Put(gen, kind, Fingerprint(http.MethodGet, u), newEntry(http.StatusOK, http.Header{}, []byte("seed"))))
}

func TestActivationDeletesEveryOtherGeneration(t *testing.T) {
	env := newTestEnv(t, "", Deps{})
	seedGeneration(t, env.store, "app-static-v0", KindStatic)
	seedGeneration(t, env.store, "app-dynamic-v0", KindDynamic)
	seedGeneration(t, env.store, "someone-else", KindDynamic)
	// the current dynamic generation survives
	seedGeneration(t, env.store, env.cfg.DynamicGeneration(), KindDynamic)

	require.NoError(t, env.svc.Start(context.Background()))

	assert.ElementsMatch(t,
		[]string{env.cfg.StaticGeneration(), env.cfg.DynamicGeneration()},
		generationNames(t, env.store))

	act := env.svc.Lifecycle().Active()
	assert.Equal(t, "v1", act.Version)
	assert.Equal(t, "app-static-v1", act.Static)
	assert.Equal(t, "app-dynamic-v1", act.Dynamic)
}

func TestFailedInstallKeepsPreviousGenerationServing(t *testing.T) {
	env := startedEnv(t, `
rules:
  - match: PathPrefix(/index.html)
    strategy: cache-first
`)
	env.net.fail("/bundle.js")

	err := env.svc.Redeploy(context.Background(), "v2")
	require.Error(t, err)

	lc := env.svc.Lifecycle()
	assert.Equal(t, StateActive, lc.State())
	assert.Equal(t, "v1", lc.Active().Version)
	assert.NotContains(t, generationNames(t, env.store), "app-static-v2")

	env.net.reset()
	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/index.html"))
	assert.Equal(t, OutcomeHit, out)
	assert.Equal(t, "<html>index</html>", string(ent.Body))
	assert.Zero(t, env.net.totalCalls())
}

func TestInstallRejectsNonOKManifestResponses(t *testing.T) {
	env := newTestEnv(t, "", Deps{})
	env.net.handle("/index.html", http.StatusInternalServerError, "oops")

	require.NoError(t, env.svc.Start(context.Background()))

	assert.Equal(t, StateIdle, env.svc.Lifecycle().State())
	assert.Empty(t, generationNames(t, env.store))
}

func TestRedeployCutsOverToNewVersion(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/bundle.js", http.StatusOK, "console.log(2)")

	require.NoError(t, env.svc.Redeploy(context.Background(), "v2"))

	assert.Equal(t, "v2", env.svc.Lifecycle().Active().Version)
	assert.Equal(t, []string{"app-static-v2"}, generationNames(t, env.store))

	ent, out := env.svc.engine.Serve(context.Background(), env.get(t, "/bundle.js"))
	assert.Equal(t, OutcomeHit, out)
	assert.Equal(t, "console.log(2)", string(ent.Body))
}

func TestInstallWaitsWithoutSkipWaiting(t *testing.T) {
	env := newTestEnv(t, `
  skipWaiting: false
`, Deps{})
	lc := env.svc.Lifecycle()

	require.NoError(t, lc.Install(context.Background(), "v1"))
	assert.Equal(t, StateWaiting, lc.State())
	assert.Empty(t, lc.Active().Static)

	require.NoError(t, lc.SkipWaiting(context.Background()))
	assert.Equal(t, StateActive, lc.State())
	assert.Equal(t, "app-static-v1", lc.Active().Static)

	// no-op once active
	require.NoError(t, lc.SkipWaiting(context.Background()))
	assert.ErrorIs(t, lc.Activate(context.Background()), ErrNoPendingInstall)
}

func TestActivePairSurvivesRestart(t *testing.T) {
	env := startedEnv(t, "")

	lc := &Lifecycle{prefix: "app", store: env.store, log: discardLogger(), metrics: env.svc.metrics}
	require.NoError(t, lc.Restore())

	assert.Equal(t, StateActive, lc.State())
	assert.Equal(t, env.svc.Lifecycle().Active(), lc.Active())
}

func TestCleanLegacyKeepsCurrentAndForeignGenerations(t *testing.T) {
	env := startedEnv(t, "")
	seedGeneration(t, env.store, "app-static-v0", KindStatic)
	seedGeneration(t, env.store, "app-dynamic-v0", KindDynamic)
	seedGeneration(t, env.store, "other-static-v0", KindStatic)

	n := env.svc.Lifecycle().CleanLegacy()

	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"app-static-v1", "other-static-v0"}, generationNames(t, env.store))
}

func TestCutoverDuringFetchDoesNotRestoreOldGeneration(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/api/orders", http.StatusOK, `[{"id":1}]`)
	entered, release := env.net.gate("/api/orders")
	defer release()

	req := env.get(t, "/api/orders")
	served := make(chan Outcome, 1)
	go func() {
		_, out := env.svc.engine.Serve(context.Background(), req)
		served <- out
	}()
	<-entered

	require.NoError(t, env.svc.Redeploy(context.Background(), "v2"))
	require.Equal(t, []string{"app-static-v2"}, generationNames(t, env.store))

	release()
	assert.Equal(t, OutcomeNetwork, <-served)

	assert.Equal(t, []string{"app-static-v2"}, generationNames(t, env.store))
	_, ok := env.stored(t, "app-dynamic-v1", "/api/orders")
	assert.False(t, ok)
}
