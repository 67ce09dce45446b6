package util

import (
	"reflect"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than limit", input: "short", maxLen: 10, want: "short"},
		{name: "exact length", input: "exact", maxLen: 5, want: "exact"},
		{name: "truncated", input: "very-long-token-abc123", maxLen: 8, want: "very-lon"},
		{name: "zero", input: "abc", maxLen: 0, want: ""},
		{name: "negative", input: "abc", maxLen: -1, want: ""},
		{name: "empty input", input: "", maxLen: 4, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestUniqueFields(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "whitespace only", input: "  \t ", want: nil},
		{name: "single", input: "openid", want: []string{"openid"}},
		{name: "keeps order", input: "profile openid email", want: []string{"profile", "openid", "email"}},
		{name: "drops duplicates", input: "openid openid  profile openid", want: []string{"openid", "profile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UniqueFields(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UniqueFields(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsSubset(t *testing.T) {
	set := []string{"openid", "profile", "api.read"}

	if !IsSubset([]string{"openid", "api.read"}, set) {
		t.Error("expected subset")
	}
	if !IsSubset(nil, set) {
		t.Error("empty list is a subset of any set")
	}
	if IsSubset([]string{"openid", "api.write"}, set) {
		t.Error("api.write is not in the set")
	}
}
