// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// FieldPayload carries the encoded envelope on the stream.
	FieldPayload = "payload"
	// FieldEncoding names the payload encoding; absent means plain JSON.
	FieldEncoding = "encoding"

	// EncodingZstd marks a zstd-compressed, base64-wrapped payload.
	EncodingZstd = "zstd"
)

// DefaultCompressThreshold is the payload size in bytes above which the
// codec compresses. LLM trace payloads routinely carry full prompts and
// completions, so large bodies are the common case, not the exception.
const DefaultCompressThreshold = 4 * 1024

// ErrNoPayload is returned by Decode for messages without a payload field.
// Such messages are tombstones and carry nothing to process.
var ErrNoPayload = errors.New("message has no payload")

// Codec translates between envelopes and the flat field map a stream
// message carries, compressing large payloads transparently.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec creates a codec compressing payloads larger than threshold
// bytes; threshold <= 0 selects the default.
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Encode renders an envelope into stream message fields.
func (c *Codec) Encode(env Envelope) (map[string]string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if len(raw) <= c.threshold {
		return map[string]string{FieldPayload: string(raw)}, nil
	}

	compressed := c.enc.EncodeAll(raw, nil)
	return map[string]string{
		FieldPayload:  base64.StdEncoding.EncodeToString(compressed),
		FieldEncoding: EncodingZstd,
	}, nil
}

// Decode parses stream message fields back into an envelope.
func (c *Codec) Decode(values map[string]string) (Envelope, error) {
	payload, ok := values[FieldPayload]
	if !ok || payload == "" {
		return Envelope{}, ErrNoPayload
	}

	raw := []byte(payload)
	if values[FieldEncoding] == EncodingZstd {
		compressed, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode payload base64: %w", err)
		}
		raw, err = c.dec.DecodeAll(compressed, nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("decompress payload: %w", err)
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
