// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package codec implements the reversible text transform applied to message
// payloads before storage.
//
// The transform is NOT encryption. It is a base64 representation behind a
// reserved marker, provides no confidentiality and uses no keys. Anyone with
// read access to the store can recover the plain text.
package codec

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	// Marker prefixes every encoded payload. Payloads without it are treated as raw text.
	Marker = "encrypted:"

	// CorruptText replaces payloads that carry the marker but cannot be decoded.
	CorruptText = "🔒 Mensagem danificada"
)

// ErrCorruptPayload is returned by Decode for a marked payload that is not valid.
var ErrCorruptPayload = errors.New("corrupt payload")

// Encode returns the stored representation of plainText.
func Encode(plainText string) string {
	return Marker + base64.StdEncoding.EncodeToString([]byte(plainText))
}

// Decode reverses Encode. Unmarked input is returned unchanged. Padding is
// optional, so payloads written without trailing '=' still decode.
func Decode(payload string) (string, error) {
	if !IsEncoded(payload) {
		return payload, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload[len(Marker):], "="))
	if err != nil {
		return "", ErrCorruptPayload
	}
	if !utf8.Valid(raw) {
		return "", ErrCorruptPayload
	}
	return string(raw), nil
}

// Reveal decodes payload and substitutes CorruptText for malformed input.
func Reveal(payload string) string {
	text, err := Decode(payload)
	if err != nil {
		return CorruptText
	}
	return text
}

// IsEncoded reports whether payload carries the marker.
func IsEncoded(payload string) bool {
	return strings.HasPrefix(payload, Marker)
}
