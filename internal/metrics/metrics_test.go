package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/orchestrator"
	"github.com/opentalon/atlas/internal/router"
)

func TestInvocationCounters(t *testing.T) {
	m := New()
	m.ObserveInvocation(capability.Trace{
		Capability: "get_weather", Transport: capability.TransportHTTP,
		Dispatched: true, Status: capability.StatusSuccess, Elapsed: 120 * time.Millisecond,
	})
	m.ObserveInvocation(capability.Trace{
		Capability: "get_weather", Status: capability.StatusError, Kind: capability.KindValidation,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("get_weather", "http", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("get_weather", "none", "error", "validation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestCoordinatorObserver(t *testing.T) {
	m := New()
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterLocal(capability.Definition{
		Descriptor: capability.Descriptor{Name: "get_place_location"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, capability.Errorf(capability.KindDomain, "Could not find coordinates for: Atlantis")
		},
	}))
	layer := capability.NewLayer(reg, capability.WithObserver(m))
	c, err := orchestrator.New(layer, router.NewClassifier(),
		orchestrator.WithObserver(m),
		orchestrator.WithReasoningHooks(func(context.Context, orchestrator.ReasoningInput) (orchestrator.ReasoningInput, *orchestrator.Override, error) {
			return orchestrator.ReasoningInput{}, nil, errors.New("broken")
		}),
	)
	require.NoError(t, err)

	out := c.Run(context.Background(), orchestrator.Turn{Text: "where is Atlantis"})
	require.Equal(t, orchestrator.PhaseFailed, out.Phase)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("place-only", "failed", "domain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hookFaults.WithLabelValues(orchestrator.StageReasoning)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("awaiting", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("get_place_location", "local", "error", "domain")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.turnsInFlight))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.HookFault(orchestrator.HookFault{Stage: orchestrator.StageInvocation})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `atlas_hook_faults_total{stage="pre_invocation"} 1`)
}
