// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth is the authentication hook invoked from the connection
// handshake. SCRAM-SHA-256 is the one mechanism implemented here; x509,
// GSSAPI, and cloud IAM mechanisms are out of scope for this core.
package auth

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Credential names the principal this driver authenticates as. Password is
// never logged (see (*Credential).String).
type Credential struct {
	Source   string // authentication database, defaults to the connection's default db
	Username string
	Password string
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Source: %q, Username: %q}", c.Source, c.Username)
}

// Authenticator is the hook the handshake drives. A concrete mechanism
// produces the first
// SASL message to embed in the hello/isMaster command for speculative
// authentication, and finishes the conversation once the handshake reply
// acknowledges it (or, if not acknowledged, runs a full saslStart/
// saslContinue exchange).
type Authenticator interface {
	// Mechanism is the wire-protocol name, e.g. "SCRAM-SHA-256".
	Mechanism() string

	// SpeculativeAuthenticate returns the document to embed under
	// speculativeAuthenticate in the hello command, or nil to skip
	// speculation for this mechanism.
	SpeculativeAuthenticate(ctx context.Context, cred Credential) (bsoncore.Document, error)

	// Finish completes the SASL conversation given the handshake's
	// speculativeAuthenticate reply (which may be empty, forcing a full
	// saslStart/saslContinue round trip performed by the caller's
	// SendCommand callback).
	Finish(ctx context.Context, cred Credential, speculativeReply bsoncore.Document, sendCommand SendCommandFunc) error
}

// SendCommandFunc sends a command document over the in-progress handshake
// connection and returns its raw reply; it lets Finish drive saslContinue
// round trips without depending on the full operation dispatcher.
type SendCommandFunc func(ctx context.Context, cmd bsoncore.Document) (bsoncore.Document, error)

// CreateAuthenticator resolves a mechanism name to a concrete Authenticator.
// Only SCRAM-SHA-256 is implemented; every other name is a configuration
// error.
func CreateAuthenticator(mechanism string) (Authenticator, error) {
	switch mechanism {
	case "SCRAM-SHA-256", "":
		return &scramAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported mechanism %q; only SCRAM-SHA-256 is implemented by this core", mechanism)
	}
}
