// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// decode strictly decodes doc into v: unknown fields and trailing data
// are rejected.
func decode(doc json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDocument, err)
	}
	_, err = dec.Token()
	if err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrDocument)
	}
	return nil
}

// index parses a document key as an index in [0, n).
func index(key string, n int) (int, error) {
	i, err := strconv.Atoi(key)
	if err != nil || !within(i, 0, n-1) {
		return 0, fmt.Errorf("%w: invalid index %q", ErrDocument, key)
	}
	return i, nil
}

func encode(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("block: could not encode document: %w", err)
	}
	return raw, nil
}
