// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
)

//go:embed content.schema.json
var contentSchemaJSON string

const contentSchemaURL = "https://widgets.bureau.foundation/schema/widget-content.json"

var contentSchema = compileContentSchema()

func compileContentSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(contentSchemaURL, strings.NewReader(contentSchemaJSON)); err != nil {
		panic("widget: loading content schema: " + err.Error())
	}
	schema, err := compiler.Compile(contentSchemaURL)
	if err != nil {
		panic("widget: compiling content schema: " + err.Error())
	}
	return schema
}

// Content is the JSON body of a live widget state event.
type Content struct {
	Type string         `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Tombstone is the content that closes a widget.
var Tombstone = json.RawMessage(`{}`)

// ValidateContent checks content against the widget content schema: a
// JSON object with a non-empty "type", an http(s) "url", and optional
// "name" and "data" of the right shapes.
func ValidateContent(content json.RawMessage) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()
	var document any
	if err := decoder.Decode(&document); err != nil {
		return fmt.Errorf("content is not JSON: %w", err)
	}
	if decoder.More() {
		return fmt.Errorf("content has trailing data after the JSON object")
	}
	if err := contentSchema.Validate(document); err != nil {
		return err
	}
	return nil
}

// Fingerprint identifies a piece of state content. Equal content bytes
// give equal fingerprints.
type Fingerprint [32]byte

// FingerprintOf hashes content with BLAKE3. Empty content and {} are
// the same tombstone and hash alike.
func FingerprintOf(content json.RawMessage) Fingerprint {
	if len(bytes.TrimSpace(content)) == 0 {
		content = Tombstone
	}
	return Fingerprint(blake3.Sum256(content))
}

// String returns the first 8 bytes in hex, enough for logs.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}
