/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/couchbase/replica-router/routing"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *routing.Router) {
	router := routing.NewRouter(routing.RouterOptions{
		Intn: func(n int) int { return 0 },
	})
	table := router.GetOrCreateGroup("g1")
	table.ApplyTopology([]routing.Member{
		{NodeID: "a", Address: "a:1"},
		{NodeID: "b", Address: "b:1"},
	})
	require.True(t, table.ApplyRoleChange("b", "", routing.RoleMaster, time.Now()))

	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	ws := NewWebServer(WebServerOptions{
		Router:   router,
		LogLevel: &logLevel,
	})

	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return srv, router
}

func getJSON(t *testing.T, url string, expectedStatus int, target any) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, expectedStatus, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGroups(t *testing.T) {
	srv, _ := newTestServer(t)

	var groups []routing.GroupSnapshot
	getJSON(t, srv.URL+"/groups", http.StatusOK, &groups)
	require.Len(t, groups, 1)
	require.Equal(t, routing.GroupID("g1"), groups[0].GroupID)
	require.Equal(t, routing.NodeID("b"), groups[0].MasterID)
	require.Len(t, groups[0].Nodes, 2)

	var group routing.GroupSnapshot
	getJSON(t, srv.URL+"/groups/g1", http.StatusOK, &group)
	require.Equal(t, routing.NodeID("b"), group.MasterID)

	var errResp errorResponse
	getJSON(t, srv.URL+"/groups/missing", http.StatusNotFound, &errResp)
	require.NotEmpty(t, errResp.Message)
}

func TestSelect(t *testing.T) {
	srv, _ := newTestServer(t)

	var sel selectResponse
	getJSON(t, srv.URL+"/groups/g1/select?consistency=absolute", http.StatusOK, &sel)
	require.Equal(t, routing.NodeID("b"), sel.NodeID)
	require.Equal(t, routing.RoleMaster, sel.Role)
	require.False(t, sel.Fallback)

	getJSON(t, srv.URL+"/groups/g1/select?write=true", http.StatusOK, &sel)
	require.Equal(t, routing.NodeID("b"), sel.NodeID)

	getJSON(t, srv.URL+"/groups/g1/select?consistency=none-required-no-master", http.StatusOK, &sel)
	require.Equal(t, routing.NodeID("a"), sel.NodeID)

	// nothing but the master satisfies absolute once it is excluded, and the
	// fallback picks the remaining replica
	getJSON(t, srv.URL+"/groups/g1/select?consistency=absolute&exclude=b", http.StatusOK, &sel)
	require.Equal(t, routing.NodeID("a"), sel.NodeID)
	require.True(t, sel.Fallback)

	var errResp errorResponse
	getJSON(t, srv.URL+"/groups/g1/select?exclude=a,b", http.StatusServiceUnavailable, &errResp)
	getJSON(t, srv.URL+"/groups/g1/select?consistency=bogus", http.StatusBadRequest, &errResp)
	getJSON(t, srv.URL+"/groups/g1/select?write=maybe", http.StatusBadRequest, &errResp)
	getJSON(t, srv.URL+"/groups/nope/select", http.StatusNotFound, &errResp)
}

func TestLogLevel(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/log/level", strings.NewReader(`{"level":"debug"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var level struct {
		Level string `json:"level"`
	}
	getJSON(t, srv.URL+"/log/level", http.StatusOK, &level)
	require.Equal(t, "debug", level.Level)
}
