/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Equal(t, []string{"localhost:2379"}, splitList("localhost:2379"))
}

func TestParseLogLevel(t *testing.T) {
	logger := zap.NewNop()
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel(logger, "debug"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel(logger, "bogus"))
}

func TestRestartRequired(t *testing.T) {
	base := &config{
		logLevelStr:   "info",
		webPort:       9092,
		topologyMode:  "static",
		etcdEndpoints: []string{"a"},
		probeInterval: time.Second,
	}

	same := *base
	same.logLevelStr = "debug"
	same.probeInterval = time.Minute
	assert.Empty(t, restartRequired(base, &same))

	changed := *base
	changed.webPort = 1234
	changed.etcdEndpoints = []string{"a", "b"}
	changed.asyncHandles = true
	assert.Equal(t, []string{
		"bindAddress/webPort",
		"topology",
		"remote connection settings",
	}, restartRequired(base, &changed))
}
