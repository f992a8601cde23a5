// Package api provides format conversion utilities for register operations.
package api

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// FormatType represents different data format types supported by the API.
type FormatType string

const (
	FormatDec  FormatType = "dec"
	FormatHex  FormatType = "hex"
	FormatText FormatType = "text"
)

// FormatConverter converts between register words and their API representations.
// Words are big endian; text packs two ASCII characters per word, high byte first.
type FormatConverter struct{}

// NewFormatConverter creates a new format converter instance.
func NewFormatConverter() *FormatConverter {
	return &FormatConverter{}
}

// ParseFormat validates a format name. An empty name selects decimal.
func (fc *FormatConverter) ParseFormat(format string) (FormatType, error) {
	switch f := FormatType(strings.ToLower(strings.TrimSpace(format))); f {
	case "":
		return FormatDec, nil
	case FormatDec, FormatHex, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("invalid format specified: %s (supported: dec, hex, text)", format)
	}
}

// EncodeValue converts an API value into register words.
func (fc *FormatConverter) EncodeValue(value string, format FormatType) ([]uint16, error) {
	switch format {
	case FormatDec:
		return fc.decToWords(value)
	case FormatHex:
		return fc.hexToWords(value)
	case FormatText:
		return fc.textToWords(value)
	default:
		return nil, fmt.Errorf("unsupported input format: %s", format)
	}
}

// FormatWords converts register words into the requested representation.
func (fc *FormatConverter) FormatWords(words []uint16, format FormatType) (interface{}, error) {
	switch format {
	case FormatDec:
		out := make([]int, len(words))
		for i, w := range words {
			out[i] = int(w)
		}
		return out, nil
	case FormatHex:
		var b strings.Builder
		for _, w := range words {
			fmt.Fprintf(&b, "%04x", w)
		}
		return b.String(), nil
	case FormatText:
		return fc.wordsToText(words), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// decToWords accepts one or more comma separated decimal values.
func (fc *FormatConverter) decToWords(value string) ([]uint16, error) {
	parts := strings.Split(value, ",")
	words := make([]uint16, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		val, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal value: %s", part)
		}
		if val < 0 || val > 65535 {
			return nil, fmt.Errorf("decimal value out of range (0-65535): %d", val)
		}
		words = append(words, uint16(val))
	}
	return words, nil
}

func (fc *FormatConverter) hexToWords(value string) ([]uint16, error) {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if value == "" {
		return nil, fmt.Errorf("hex value cannot be empty")
	}
	if rem := len(value) % 4; rem != 0 {
		value = strings.Repeat("0", 4-rem) + value
	}

	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %s", value)
	}
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return words, nil
}

func (fc *FormatConverter) textToWords(value string) ([]uint16, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("text value cannot be empty")
	}
	for i := 0; i < len(value); i++ {
		if value[i] > 0x7F {
			return nil, fmt.Errorf("text value must be ASCII")
		}
	}

	words := make([]uint16, (len(value)+1)/2)
	for i := range words {
		hi := uint16(value[2*i]) << 8
		var lo uint16
		if 2*i+1 < len(value) {
			lo = uint16(value[2*i+1])
		}
		words[i] = hi | lo
	}
	return words, nil
}

func (fc *FormatConverter) wordsToText(words []uint16) string {
	raw := make([]byte, 0, 2*len(words))
	for _, w := range words {
		raw = append(raw, byte(w>>8), byte(w))
	}
	return strings.TrimRight(string(raw), "\x00 ")
}
