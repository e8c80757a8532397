package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAssertion("self-declaration")
	c.RecordAssertion("self-declaration")
	c.RecordAssertion("third-party-address")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.assertions.WithLabelValues("self-declaration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.assertions.WithLabelValues("third-party-address")))

	c.RecordGenderUpdate("platform", true)
	c.RecordGenderUpdate("heuristic", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.genderUpdates.WithLabelValues("platform", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.genderUpdates.WithLabelValues("heuristic", "false")))

	c.RecordSweep(3)
	c.RecordSweep(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweptRecords))

	c.RecordFlush(nil, time.Millisecond)
	c.RecordFlush(errors.New("disk full"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("error")))

	c.SetRecords(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(c.records))

	c.RecordAnnotation(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.annotations))

	c.RecordPlatformLookup("timeout")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.platformLookups.WithLabelValues("timeout")))
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.SetRecords(7)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "namecard_records 7")
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordFlush(nil, 0)
	r.SetRecords(1)
}
