package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	fc := NewFormatConverter()

	tests := []struct {
		input    string
		expected FormatType
		wantErr  bool
	}{
		{"", FormatDec, false},
		{"dec", FormatDec, false},
		{"HEX", FormatHex, false},
		{" text ", FormatText, false},
		{"octal", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := fc.ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeValue(t *testing.T) {
	fc := NewFormatConverter()

	tests := []struct {
		name     string
		value    string
		format   FormatType
		expected []uint16
		wantErr  bool
	}{
		{"decimal", "42", FormatDec, []uint16{42}, false},
		{"decimal list", "0,65535", FormatDec, []uint16{0, 65535}, false},
		{"negative decimal", "-1", FormatDec, nil, true},
		{"decimal overflow", "65536", FormatDec, nil, true},
		{"not a number", "abc", FormatDec, nil, true},
		{"hex", "0x1234", FormatHex, []uint16{0x1234}, false},
		{"short hex is padded", "f", FormatHex, []uint16{0x000f}, false},
		{"two words", "12345678", FormatHex, []uint16{0x1234, 0x5678}, false},
		{"odd hex length", "12345", FormatHex, []uint16{0x0001, 0x2345}, false},
		{"empty hex", "0x", FormatHex, nil, true},
		{"invalid hex", "zz", FormatHex, nil, true},
		{"text", "AB", FormatText, []uint16{0x4142}, false},
		{"odd text", "ABC", FormatText, []uint16{0x4142, 0x4300}, false},
		{"empty text", "", FormatText, nil, true},
		{"non ascii", "é", FormatText, nil, true},
		{"unknown format", "1", FormatType("bin"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fc.EncodeValue(tt.value, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatWords(t *testing.T) {
	fc := NewFormatConverter()
	words := []uint16{0x3231, 0x3035, 0x0000}

	dec, err := fc.FormatWords(words, FormatDec)
	require.NoError(t, err)
	assert.Equal(t, []int{0x3231, 0x3035, 0}, dec)

	hexValue, err := fc.FormatWords(words, FormatHex)
	require.NoError(t, err)
	assert.Equal(t, "323130350000", hexValue)

	text, err := fc.FormatWords(words, FormatText)
	require.NoError(t, err)
	assert.Equal(t, "2105", text)

	_, err = fc.FormatWords(words, FormatType("bin"))
	assert.Error(t, err)
}

func TestTextRoundTrip(t *testing.T) {
	fc := NewFormatConverter()

	words, err := fc.EncodeValue("E2105012345", FormatText)
	require.NoError(t, err)
	assert.Len(t, words, 6)

	text, err := fc.FormatWords(words, FormatText)
	require.NoError(t, err)
	assert.Equal(t, "E2105012345", text)
}
