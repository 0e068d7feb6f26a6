// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package http_test

import (
	"encoding/json"
	"io"
	"net"
	gohttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/featurebasedb/rtregion/http"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/prometheus"
	"github.com/featurebasedb/rtregion/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h gohttp.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestHandler_Routes(t *testing.T) {
	sc := prometheus.NewStatsClient(logger.NewLogfLogger(t))
	sc.Count(stats.MetricRounds, 3, 1.0)

	h, err := http.NewHandler(
		http.OptHandlerLogger(logger.NewLogfLogger(t)),
		http.OptHandlerMetrics(sc.Handler()),
		http.OptHandlerStatus(func() interface{} {
			return map[string]int{"size": 4}
		}),
	)
	require.NoError(t, err)

	w := get(t, h, "/metrics")
	assert.Equal(t, gohttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rtregion_rounds_total 3")

	w = get(t, h, "/status")
	assert.Equal(t, gohttp.StatusOK, w.Code)
	var status map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 4, status["size"])

	w = get(t, h, "/version")
	assert.Equal(t, gohttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"rtregion`)

	w = get(t, h, "/debug/vars")
	assert.Equal(t, gohttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rtregion"`)

	w = get(t, h, "/nope")
	assert.Equal(t, gohttp.StatusNotFound, w.Code)
}

func TestHandler_NoMetrics(t *testing.T) {
	h, err := http.NewHandler()
	require.NoError(t, err)
	assert.Equal(t, gohttp.StatusNotFound, get(t, h, "/metrics").Code)
	assert.Equal(t, "{}\n", get(t, h, "/status").Body.String())
}

func TestHandler_ServeClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h, err := http.NewHandler(http.OptHandlerListener(ln))
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- h.Serve() }()

	resp, err := gohttp.Get("http://" + ln.Addr().String() + "/version")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtregion")

	require.NoError(t, h.Close())
	require.NoError(t, <-served)
}
