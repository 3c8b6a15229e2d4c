/*
 * Copyright (c) 2018 ARM Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package payload decodes base64, type-tagged sensor payloads into typed
// values. The decoding policy is keyed on the resource path: a few known
// paths carry opaque text (labels, JSON blobs), everything else carries a
// number with optional surrounding units, e.g. "23.5 C".
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/PelionIoT/ref-wem/pkg/logger"
)

var ErrDecode = errors.New("failed to decode payload")

// numberPattern matches the first signed, optionally fractional decimal
// substring of the payload text.
var numberPattern = regexp.MustCompile(`[+-]?\d+(?:\.\d+)?`)

type decoderFunc func(text string) (interface{}, error)

// Codec maps resource paths to decoders, with a numeric default.
type Codec struct {
	decoders map[string]decoderFunc
	logger   logger.Logger
}

// NewCodec builds the codec with its static path table. Paths not in the
// table decode as floats.
func NewCodec(log logger.Logger) *Codec {
	return &Codec{
		decoders: map[string]decoderFunc{
			"/26241/0/1":   decodeString, // device label
			"/26242/0/1":   decodeString, // access-point scan JSON
			"/3336/0/5750": decodeString, // location application type
		},
		logger: log.WithComponent("payload"),
	}
}

// Decode base64-decodes the payload and applies the path's decoder. A
// payload whose text has no numeric substring falls back to the raw string
// rather than failing; only malformed base64 returns an error.
func (c *Codec) Decode(path, encoded string) (interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: path=%s: %w", ErrDecode, path, err)
	}

	text := string(raw)

	decoder, ok := c.decoders[path]
	if !ok {
		decoder = decodeFloat
	}

	value, err := decoder(text)
	if err != nil {
		c.logger.Debug().
			Str("path", path).
			Str("text", text).
			Err(err).
			Msg("Failed to decode payload, falling back to string")

		return text, nil
	}

	return value, nil
}

func decodeString(text string) (interface{}, error) {
	return text, nil
}

func decodeFloat(text string) (interface{}, error) {
	match := numberPattern.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("%w: no numeric substring in %q", ErrDecode, text)
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return value, nil
}
