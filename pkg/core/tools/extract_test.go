package tools

import (
	"encoding/json"
	"testing"
)

func TestExtractPath(t *testing.T) {
	var doc any
	raw := `{
		"contacts": [
			{"firstName": "Jane", "lastName": "Doe", "scores": [7, 9]},
			{"firstName": "Bob"}
		],
		"account": {"balance": 12.5, "active": true},
		"total": 2
	}`
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"contacts[0].firstName", "Jane"},
		{"contacts[1].firstName", "Bob"},
		{"contacts[0].scores[1]", "9"},
		{"account.balance", "12.5"},
		{"account.active", "true"},
		{"total", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v, err := ExtractPath(doc, tt.path)
			if err != nil {
				t.Fatalf("ExtractPath(%q): %v", tt.path, err)
			}
			if got := Stringify(v); got != tt.want {
				t.Errorf("ExtractPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestExtractPathErrors(t *testing.T) {
	var doc any
	if err := json.Unmarshal([]byte(`{"contacts": [{"name": "Jane"}]}`), &doc); err != nil {
		t.Fatal(err)
	}

	paths := []string{
		"missing",
		"contacts[5].name",
		"contacts[-1].name",
		"contacts.name",
		"contacts[0].name.deeper",
		"contacts[x].name",
		"contacts[0",
	}
	for _, path := range paths {
		if _, err := ExtractPath(doc, path); err == nil {
			t.Errorf("ExtractPath(%q) succeeded, want error", path)
		}
	}
}

func TestStringifyComposites(t *testing.T) {
	v := map[string]any{"a": []any{1.0, "x"}}
	if got := Stringify(v); got != `{"a":[1,"x"]}` {
		t.Fatalf("Stringify composite = %q", got)
	}
	if got := Stringify(nil); got != "" {
		t.Fatalf("Stringify(nil) = %q, want empty", got)
	}
}
