package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/tools"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
providers:
  frontdesk:
    type: openai_realtime
    model: realtime-voice-1
  budget:
    type: pipeline
    language: en
    stt: {vendor: deepgram, model: nova-2}
    tts: {vendor: elevenlabs, voice: v-123}
    llm: {vendor: openai, model: chat-medium}
contexts:
  support:
    provider: frontdesk
    instructions: "You are the support agent for {customer_name}."
    greeting: "Hi {customer_name}!"
    vad_aggressiveness: 2
    tools:
      allowed: [book_appointment]
tools:
  - name: book_appointment
    phase: in_call
    enabled: true
    method: POST
    url: https://crm.example.com/book
    timeout_ms: 2000
  - name: crm_lookup
    phase: pre_call
    enabled: true
    global: true
    url: https://crm.example.com/lookup
`

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.RelayAddr != ":7070" {
		t.Errorf("RelayAddr = %q", cfg.RelayAddr)
	}
	if cfg.Wire.Encoding != audio.EncodingULaw || cfg.Wire.SampleRate != 8000 {
		t.Errorf("Wire = %+v", cfg.Wire)
	}
	if cfg.JitterBufferMs != 1000 || cfg.MinStartMs != 100 || cfg.LowWatermarkMs != 40 {
		t.Errorf("playback defaults = %d/%d/%d", cfg.JitterBufferMs, cfg.MinStartMs, cfg.LowWatermarkMs)
	}
}

func TestLoadFromEnvOverridesAndValidation(t *testing.T) {
	t.Setenv("VOXGATE_WIRE_ENCODING", "slin16")
	t.Setenv("VOXGATE_WIRE_SAMPLE_RATE", "16000")
	t.Setenv("VOXGATE_MAX_CALLS", "50")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Wire.Encoding != audio.EncodingSLIN16 || cfg.Wire.SampleRate != 16000 {
		t.Errorf("Wire = %+v", cfg.Wire)
	}
	if cfg.MaxCalls != 50 {
		t.Errorf("MaxCalls = %d", cfg.MaxCalls)
	}

	t.Setenv("VOXGATE_WIRE_ENCODING", "opus")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("invalid wire encoding accepted")
	}
}

func TestLoadAppValid(t *testing.T) {
	t.Setenv("VOXGATE_TEST_CRM_KEY", "k-9")
	path := writeConfig(t, strings.Replace(validYAML,
		"url: https://crm.example.com/lookup",
		"url: https://crm.example.com/lookup\n    headers: {Authorization: \"Bearer ${VOXGATE_TEST_CRM_KEY}\"}", 1))

	app, err := LoadApp(path)
	if err != nil {
		t.Fatalf("LoadApp: %v", err)
	}
	if len(app.Tools) != 2 || len(app.Contexts) != 1 || len(app.Providers) != 2 {
		t.Fatalf("app shape = %d tools, %d contexts, %d providers", len(app.Tools), len(app.Contexts), len(app.Providers))
	}

	support := app.Contexts["support"]
	if support.Provider != "frontdesk" || support.VADAggressiveness != 2 {
		t.Fatalf("support context = %+v", support)
	}
	if len(support.Tools.Allowed) != 1 || support.Tools.Allowed[0] != "book_appointment" {
		t.Fatalf("support policy = %+v", support.Tools)
	}

	budget := app.Providers["budget"]
	if budget.Type != ProviderPipeline || budget.STT.Vendor != "deepgram" || budget.TTS.Voice != "v-123" {
		t.Fatalf("budget provider = %+v", budget)
	}

	// ${ENV_VAR} resolves at load; {variable} stays for call time.
	for _, d := range app.Tools {
		if d.Name == "crm_lookup" {
			if d.Headers["Authorization"] != "Bearer k-9" {
				t.Fatalf("Authorization = %q", d.Headers["Authorization"])
			}
		}
	}
	if !strings.Contains(app.Contexts["support"].Greeting, "{customer_name}") {
		t.Fatal("call-time placeholder resolved too early")
	}
}

func TestLoadAppRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"unknown provider reference",
			"providers: {}\ncontexts:\n  a:\n    provider: nope\n",
		},
		{
			"bad provider type",
			"providers:\n  p:\n    type: carrier_pigeon\n",
		},
		{
			"pipeline missing stages",
			"providers:\n  p:\n    type: pipeline\n",
		},
		{
			"full agent missing model",
			"providers:\n  p:\n    type: openai_realtime\n",
		},
		{
			"duplicate tool",
			"tools:\n  - {name: a, phase: in_call, url: http://x}\n  - {name: a, phase: in_call, url: http://x}\n",
		},
		{
			"bad phase",
			"tools:\n  - {name: a, phase: mid_call, url: http://x}\n",
		},
		{
			"http tool without url",
			"tools:\n  - {name: a, phase: in_call}\n",
		},
		{
			"aggressiveness out of range",
			"providers:\n  p:\n    type: openai_realtime\n    model: m\ncontexts:\n  a:\n    provider: p\n    vad_aggressiveness: 9\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadApp(writeConfig(t, tt.yaml)); err == nil {
				t.Fatalf("config accepted:\n%s", tt.yaml)
			}
		})
	}
}

func TestContextFallsBackToDefault(t *testing.T) {
	cfg := Config{
		DefaultContext: "default",
		App: App{
			Contexts: map[string]Context{
				"default": {Provider: "p"},
				"sales":   {Provider: "p"},
			},
		},
	}
	if got, ok := cfg.Context("sales"); !ok || got.Provider != "p" {
		t.Fatal("named context not found")
	}
	if _, ok := cfg.Context(""); !ok {
		t.Fatal("empty context did not fall back to default")
	}
	if _, ok := cfg.Context("ghost"); ok {
		t.Fatal("unknown context resolved")
	}
}

// Telephony built-ins need no URL.
func TestLoadAppAllowsBuiltinsWithoutURL(t *testing.T) {
	path := writeConfig(t, "tools:\n  - {name: hangup_call, kind: hangup_call, phase: in_call, enabled: true, global: true}\n")
	app, err := LoadApp(path)
	if err != nil {
		t.Fatalf("LoadApp: %v", err)
	}
	if app.Tools[0].Kind != tools.KindHangup {
		t.Fatalf("kind = %q", app.Tools[0].Kind)
	}
}
