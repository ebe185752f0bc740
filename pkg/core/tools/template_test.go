package tools

import "testing"

func TestResolveSubstitutesKnownVariables(t *testing.T) {
	vars := map[string]string{
		"caller_number": "+15550100",
		"customer_name": "Jane",
	}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello {customer_name}", "Hello Jane"},
		{"multiple", "{customer_name} at {caller_number}", "Jane at +15550100"},
		{"missing renders empty", "Hi {unknown_var}!", "Hi !"},
		{"json body keeps structure", `{"from": "{caller_number}"}`, `{"from": "+15550100"}`},
		{"env form untouched", "key=${API_KEY} name={customer_name}", "key=${API_KEY} name=Jane"},
		{"non identifier braces untouched", "{not valid}", "{not valid}"},
		{"no placeholders", "static text", "static text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.in, vars); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveEnvSubstitutesEnvironment(t *testing.T) {
	t.Setenv("VOXGATE_TEST_TOKEN", "s3cret")

	got := ResolveEnv("Bearer ${VOXGATE_TEST_TOKEN}")
	if got != "Bearer s3cret" {
		t.Fatalf("ResolveEnv = %q, want %q", got, "Bearer s3cret")
	}
	// Unset variables resolve to empty, call-time placeholders survive.
	got = ResolveEnv("${VOXGATE_TEST_UNSET}/{call_id}")
	if got != "/{call_id}" {
		t.Fatalf("ResolveEnv with unset var = %q, want %q", got, "/{call_id}")
	}
}

func TestDefinitionResolveEnvRefs(t *testing.T) {
	t.Setenv("VOXGATE_TEST_BASE", "https://crm.example.com")
	t.Setenv("VOXGATE_TEST_KEY", "k-123")

	d := &Definition{
		URL:     "${VOXGATE_TEST_BASE}/lookup?phone={caller_number}",
		Headers: map[string]string{"Authorization": "Bearer ${VOXGATE_TEST_KEY}"},
	}
	d.ResolveEnvRefs()

	if d.URL != "https://crm.example.com/lookup?phone={caller_number}" {
		t.Fatalf("URL = %q", d.URL)
	}
	if d.Headers["Authorization"] != "Bearer k-123" {
		t.Fatalf("Authorization = %q", d.Headers["Authorization"])
	}
}
