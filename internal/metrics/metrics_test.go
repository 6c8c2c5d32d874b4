package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Request("write", nil)
	m.Request("write", errors.New("x"))
	m.Request("stream", nil)
	m.Written(10)
	m.Written(5)
	m.Derivation("thumbnail", time.Now(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("write", "error")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.written))
	assert.Equal(t, 1, testutil.CollectAndCount(m.derivations))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Request("write", nil)
		m.Derivation("original", time.Now(), nil)
		m.Written(3)
		_ = m.Handler()
	})
}
