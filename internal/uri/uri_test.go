// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package uri

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("full userinfo and options", func(t *testing.T) {
		cs, err := Parse("mongodb://u%3Au:p%40ss@h1,h2:27018/db?replicaSet=rs0&w=majority&journal=true")
		require.NoError(t, err)

		assert.Equal(t, []string{"h1:27017", "h2:27018"}, cs.Hosts)
		assert.Equal(t, "u:u", cs.Username)
		assert.Equal(t, "p@ss", cs.Password)
		assert.Equal(t, "db", cs.Database)
		assert.Equal(t, "rs0", cs.ReplicaSet)
		assert.Equal(t, "majority", cs.W)
		assert.True(t, cs.HasJournal)
		assert.True(t, cs.Journal)
	})

	t.Run("defaults", func(t *testing.T) {
		cs, err := Parse("mongodb://localhost")
		require.NoError(t, err)

		assert.True(t, cs.RetryWrites)
		assert.True(t, cs.RetryReads)
		assert.Equal(t, 30000, cs.ServerSelectionTimeout)
		assert.Equal(t, 10000, cs.HeartbeatInterval)
		assert.Equal(t, 15, cs.LocalThreshold)
		assert.Equal(t, uint64(100), cs.MaxPoolSize)
		assert.Len(t, cs.Hosts, 1)
	})

	t.Run("missing port defaults to 27017", func(t *testing.T) {
		cs, err := Parse("mongodb://example.com/")
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com:27017"}, cs.Hosts)
	})

	t.Run("trailing comma in host list tolerated", func(t *testing.T) {
		cs, err := Parse("mongodb://h1,h2,/db")
		require.NoError(t, err)
		assert.Equal(t, []string{"h1:27017", "h2:27017"}, cs.Hosts)
	})

	t.Run("option keys case-insensitive", func(t *testing.T) {
		cs, err := Parse("mongodb://h1/?REPLICASET=rs1&RetryWrites=false")
		require.NoError(t, err)
		assert.Equal(t, "rs1", cs.ReplicaSet)
		assert.False(t, cs.RetryWrites)
	})

	t.Run("unknown options retained without error", func(t *testing.T) {
		cs, err := Parse("mongodb://h1/?someFutureOption=17")
		require.NoError(t, err)
		assert.Equal(t, "17", cs.UnknownOptions["someFutureOption"])
	})

	t.Run("read preference tags repeatable", func(t *testing.T) {
		cs, err := Parse("mongodb://h1/?readPreference=secondary&readPreferenceTags=dc:ny,rack:1&readPreferenceTags=dc:sf")
		require.NoError(t, err)
		want := []map[string]string{
			{"dc": "ny", "rack": "1"},
			{"dc": "sf"},
		}
		assert.Empty(t, cmp.Diff(want, cs.ReadPreferenceTagSets))
	})

	t.Run("empty username distinct from absent", func(t *testing.T) {
		cs, err := Parse("mongodb://@h1")
		require.NoError(t, err)
		assert.True(t, cs.HasUsername)
		assert.Equal(t, "", cs.Username)
		assert.False(t, cs.HasPassword)

		cs, err = Parse("mongodb://h1")
		require.NoError(t, err)
		assert.False(t, cs.HasUsername)
	})

	errorCases := []struct {
		name string
		uri  string
	}{
		{"missing scheme separator", "localhost:27017"},
		{"unknown scheme", "mysql://localhost"},
		{"no hosts", "mongodb:///db"},
		{"empty option value", "mongodb://h1/?replicaSet="},
		{"option without value", "mongodb://h1/?replicaSet"},
		{"invalid percent encoding in username", "mongodb://u%zz@h1"},
		{"invalid bool", "mongodb://h1/?journal=maybe"},
		{"negative integer", "mongodb://h1/?maxPoolSize=-1"},
		{"unknown read preference", "mongodb://h1/?readPreference=fastest"},
		{"unknown read concern level", "mongodb://h1/?readConcernLevel=eventual"},
		{"heartbeat below floor", "mongodb://h1/?heartbeatFrequencyMS=100"},
		{"malformed tag set", "mongodb://h1/?readPreferenceTags=dcny"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.uri)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"direct connection single seed", "mongodb://h1/?directConnection=true", false},
		{"direct connection multi seed", "mongodb://h1,h2/?directConnection=true", true},
		{"load balanced multi seed", "mongodb://h1,h2/?loadBalanced=true", true},
		{"load balanced with replica set", "mongodb://h1/?loadBalanced=true&replicaSet=rs0", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs, err := Parse(tc.uri)
			require.NoError(t, err)
			err = cs.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestStringRoundTrip checks that re-serializing a parsed URI produces a URI
// that parses back to the same seeds and options.
func TestStringRoundTrip(t *testing.T) {
	uris := []string{
		"mongodb://u%3Au:p%40ss@h1,h2:27018/db?replicaSet=rs0&w=majority&journal=true",
		"mongodb://localhost",
		"mongodb://h1:27018,h2:27019/admin?readPreference=nearest&maxStalenessSeconds=120",
		"mongodb://h1/?retryWrites=false&retryReads=false&appname=roundtrip",
		"mongodb://h1/?maxPoolSize=7&minPoolSize=2&maxIdleTimeMS=5000&socketTimeoutMS=250",
		"mongodb://h1/?tls=true&directConnection=true&readConcernLevel=majority&w=2&wtimeoutMS=900",
	}

	for _, original := range uris {
		t.Run(original, func(t *testing.T) {
			first, err := Parse(original)
			require.NoError(t, err)

			second, err := Parse(first.String())
			require.NoError(t, err)

			// Original raw strings differ; everything semantic must match.
			first.Original = ""
			second.Original = ""
			assert.Empty(t, cmp.Diff(first, second))
		})
	}
}
