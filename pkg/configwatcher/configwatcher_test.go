/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package configwatcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Thing string `json:"thing"`
	Other int    `json:"other"`
}

func writeConfig(t *testing.T, path string, config testConfig) {
	data, err := json.Marshal(config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, testConfig{Thing: "a", Other: 1})

	w, err := NewConfigWatcher[testConfig](path, nil)
	require.NoError(t, err)
	defer w.Close()

	config, err := w.Load()
	require.NoError(t, err)
	require.Equal(t, testConfig{Thing: "a", Other: 1}, config)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	w, err := NewConfigWatcher[testConfig](path, nil)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Load()
	require.Error(t, err)
}

func TestSubscribeSeesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	w, err := NewConfigWatcher[testConfig](path, nil)
	require.NoError(t, err)
	defer w.Close()

	configCh, unsub := w.Subscribe()
	defer unsub()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0600))

	writeConfig(t, path, testConfig{Thing: "b", Other: 2})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case config := <-configCh:
			if config.Thing == "b" {
				require.Equal(t, 2, config.Other)
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for config change")
		}
	}
}

func TestCloseClosesSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	w, err := NewConfigWatcher[testConfig](path, nil)
	require.NoError(t, err)

	configCh, unsub := w.Subscribe()
	require.NoError(t, w.Close())

	select {
	case _, ok := <-configCh:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("subscription was not closed")
	}

	// unsubscribing after close is harmless
	unsub()
}
