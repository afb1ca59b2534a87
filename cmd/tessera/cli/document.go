// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// ParseDocument decodes a JSONC document given inline or, prefixed with
// "@", as a file path. Comments and trailing commas are allowed.
func ParseDocument(argument string) (any, error) {
	data := []byte(argument)
	if path, ok := strings.CutPrefix(argument, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading document: %w", err)
		}
	}

	var document any
	if err := json.Unmarshal(jsonc.ToJSON(data), &document); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	return document, nil
}

// ParseObject is ParseDocument restricted to JSON objects.
func ParseObject(argument string) (map[string]any, error) {
	document, err := ParseDocument(argument)
	if err != nil {
		return nil, err
	}
	object, ok := document.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document must be an object, got %T", document)
	}
	return object, nil
}
