package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("svc", "op", time.Millisecond, nil)
		m.NodeMutation("created")
		m.CacheHit("node")
		m.CacheMiss("node")
		m.CacheError("get")
		m.IndexFailure("index")
		m.EventFailure("node.created")
		m.SetActiveNodes(3)
		m.AddActiveNodes(-1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("knowledge")
	b := NewMetrics("knowledge")

	a.NodeMutation("created")
	a.NodeMutation("created")
	b.NodeMutation("created")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.nodeMutations.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.nodeMutations.WithLabelValues("created")))
}

func TestMetrics_ObserveOperation(t *testing.T) {
	m := NewMetrics("knowledge")
	m.ObserveOperation("KnowledgeNodeService", "CreateNode", 10*time.Millisecond, nil)
	m.ObserveOperation("KnowledgeNodeService", "CreateNode", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("KnowledgeNodeService", "CreateNode", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("KnowledgeNodeService", "CreateNode", "error")))
}

func TestMetrics_ActiveNodesGauge(t *testing.T) {
	m := NewMetrics("knowledge")
	m.SetActiveNodes(10)
	m.AddActiveNodes(-3)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.activeNodes))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("knowledge")
	m.CacheHit("node")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `knowledge_cache_hits_total{family="node"} 1`)
}
