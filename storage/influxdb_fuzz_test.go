// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"strings"
	"testing"
)

// FuzzSanitizeFluxString checks that no input can break out of a Flux
// string literal.
func FuzzSanitizeFluxString(f *testing.F) {
	f.Add("AA:BB:CC:DD:EE:FF")
	f.Add("")
	f.Add(`device"with"quotes`)
	f.Add(`device\with\backslashes`)
	f.Add(`") |> drop() //`)
	f.Add("device\nwith\nnewlines")
	f.Add("device\x00with\x00nulls")
	f.Add("${bucket}")
	f.Add(`from(bucket: "other")`)
	f.Add(strings.Repeat(`"`, 600))
	f.Add(strings.Repeat("A", 2000))
	f.Add("WH-1000XM4 ヘッドホン")
	f.Add("\xff\xfe")

	f.Fuzz(func(t *testing.T, input string) {
		result := sanitizeFluxString(input)

		if len(result) > 2*min(len(input), maxFluxStringLength) {
			t.Errorf("result length %d exceeds twice the input length %d", len(result), len(input))
		}

		for i := 0; i < len(result); i++ {
			c := result[i]
			if c < 0x20 || c == 0x7f {
				t.Fatalf("control byte %#x survived at %d: %q", c, i, result)
			}
			if c == '\\' {
				// Every backslash opens an escape pair.
				if i+1 >= len(result) {
					t.Fatalf("dangling backslash: %q", result)
				}
				i++
				continue
			}
			if c == '"' || c == '$' {
				t.Fatalf("unescaped %q at %d: %q (input %q)", c, i, result, input)
			}
		}

		if again := sanitizeFluxString(input); again != result {
			t.Errorf("non-deterministic: %q vs %q", result, again)
		}
	})
}

func TestSanitizeFluxString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF"},
		{`a"b`, `a\"b`},
		{`a\b`, `a\\b`},
		{"a\nb\r\x00c", "abc"},
		{"${x}", `\${x}`},
		{"Kopfhörer", "Kopfhörer"},
	}
	for _, tt := range tests {
		if got := sanitizeFluxString(tt.in); got != tt.want {
			t.Errorf("sanitizeFluxString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := sanitizeFluxString(strings.Repeat("x", 1500)); len(got) != maxFluxStringLength {
		t.Errorf("long input not truncated: %d", len(got))
	}
}
