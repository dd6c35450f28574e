// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAuthenticator(t *testing.T) {
	a, err := CreateAuthenticator("SCRAM-SHA-256")
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA-256", a.Mechanism())

	a, err = CreateAuthenticator("")
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA-256", a.Mechanism())

	_, err = CreateAuthenticator("MONGODB-X509")
	assert.Error(t, err)
}

func TestSpeculativeAuthenticateDocument(t *testing.T) {
	a, err := CreateAuthenticator("SCRAM-SHA-256")
	require.NoError(t, err)

	cred := Credential{Source: "admin", Username: "alice", Password: "hunter2"}
	spec, err := a.SpeculativeAuthenticate(context.Background(), cred)
	require.NoError(t, err)

	mech, err := spec.LookupErr("mechanism")
	require.NoError(t, err)
	name, _ := mech.StringValueOK()
	assert.Equal(t, "SCRAM-SHA-256", name)

	payload, err := spec.LookupErr("payload")
	require.NoError(t, err)
	_, data, ok := payload.BinaryOK()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(data), "n,,"), "client-first message must use the GS2 header")
	assert.Contains(t, string(data), "n=alice")
}

func TestCredentialStringHidesPassword(t *testing.T) {
	cred := Credential{Source: "admin", Username: "alice", Password: "hunter2"}
	assert.NotContains(t, cred.String(), "hunter2")
}
