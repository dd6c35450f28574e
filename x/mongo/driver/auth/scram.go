// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// scramAuthenticator implements SCRAM-SHA-256 (RFC 7677), using
// xdg-go/scram for the conversation state machine and xdg-go/stringprep for
// SASLprep username/password normalization.
type scramAuthenticator struct {
	conv *scram.ClientConversation
}

func (a *scramAuthenticator) Mechanism() string { return "SCRAM-SHA-256" }

func (a *scramAuthenticator) client(cred Credential) (*scram.Client, error) {
	username, err := stringprep.SASLprep.Prepare(cred.Username)
	if err != nil {
		return nil, fmt.Errorf("auth: SASLprep username: %w", err)
	}
	password, err := stringprep.SASLprep.Prepare(cred.Password)
	if err != nil {
		return nil, fmt.Errorf("auth: SASLprep password: %w", err)
	}

	client, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return client, nil
}

func (a *scramAuthenticator) SpeculativeAuthenticate(_ context.Context, cred Credential) (bsoncore.Document, error) {
	client, err := a.client(cred)
	if err != nil {
		return nil, err
	}
	a.conv = client.NewConversation()

	first, err := a.conv.Step("")
	if err != nil {
		return nil, fmt.Errorf("auth: SCRAM first step: %w", err)
	}

	var doc []byte
	idx, doc := bsoncore.AppendDocumentStart(doc)
	doc = bsoncore.AppendStringElement(doc, "saslStart", "1")
	doc = bsoncore.AppendStringElement(doc, "mechanism", a.Mechanism())
	doc = bsoncore.AppendBinaryElement(doc, "payload", 0x00, []byte(first))
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc, nil
}

func (a *scramAuthenticator) Finish(ctx context.Context, cred Credential, speculativeReply bsoncore.Document, sendCommand SendCommandFunc) error {
	if a.conv == nil || len(speculativeReply) == 0 {
		client, err := a.client(cred)
		if err != nil {
			return err
		}
		a.conv = client.NewConversation()

		first, err := a.conv.Step("")
		if err != nil {
			return fmt.Errorf("auth: SCRAM first step: %w", err)
		}

		reply, err := sendCommand(ctx, startCommand(a.Mechanism(), first))
		if err != nil {
			return &authTransportError{err}
		}
		speculativeReply = reply
	}

	return a.converse(ctx, speculativeReply, sendCommand)
}

func (a *scramAuthenticator) converse(ctx context.Context, reply bsoncore.Document, sendCommand SendCommandFunc) error {
	for {
		done, _ := reply.Lookup("done").BooleanOK()
		payload, _, _ := reply.Lookup("payload").BinaryOK()
		conversationID, _ := reply.Lookup("conversationId").Int32OK()

		next, err := a.conv.Step(string(payload))
		if err != nil {
			return fmt.Errorf("auth: SCRAM conversation: %w", err)
		}

		if done && a.conv.Done() {
			return nil
		}

		cmd := continueCommand(conversationID, next)
		reply, err = sendCommand(ctx, cmd)
		if err != nil {
			return &authTransportError{err}
		}
	}
}

func startCommand(mechanism, payload string) bsoncore.Document {
	var doc []byte
	idx, doc := bsoncore.AppendDocumentStart(doc)
	doc = bsoncore.AppendStringElement(doc, "saslStart", "1")
	doc = bsoncore.AppendStringElement(doc, "mechanism", mechanism)
	doc = bsoncore.AppendBinaryElement(doc, "payload", 0x00, []byte(payload))
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

func continueCommand(conversationID int32, payload string) bsoncore.Document {
	var doc []byte
	idx, doc := bsoncore.AppendDocumentStart(doc)
	doc = bsoncore.AppendInt32Element(doc, "saslContinue", 1)
	doc = bsoncore.AppendInt32Element(doc, "conversationId", conversationID)
	doc = bsoncore.AppendBinaryElement(doc, "payload", 0x00, []byte(payload))
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

type authTransportError struct{ wrapped error }

func (e *authTransportError) Error() string { return e.wrapped.Error() }
func (e *authTransportError) Unwrap() error { return e.wrapped }
