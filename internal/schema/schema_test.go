package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validManifest = `{
  "metadata": { "authors": ["a1", "a2"], "license": "http://MIT" },
  "capabilities": ["fast", "nice"],
  "config": {
    "setting1": { "type": "string", "default": "hi" }
  },
  "implements": {
    "impl1": {
      "interface": "foobar",
      "config": { "impl_setting": { "type": "integer", "default": 23 } }
    }
  },
  "requires": {
    "req1": { "interface": "sample_interface", "min_connections": 0, "max_connections": 3 },
    "req2": { "interface": "other_interface" }
  }
}`

const invalidManifest = `{ "capabilities": "not-an-array" }`

func TestParseModuleTextValid(t *testing.T) {
	mod, err := ParseModuleText([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mod.Capabilities[1] != "nice" {
		t.Fatalf("unexpected capabilities: %v", mod.Capabilities)
	}
	if mod.Implementations["impl1"].Interface != "foobar" {
		t.Fatalf("unexpected implementation: %+v", mod.Implementations["impl1"])
	}
	if mod.Requirements["req1"].Interface != "sample_interface" {
		t.Fatalf("unexpected requirement: %+v", mod.Requirements["req1"])
	}
	if !mod.Requirements["req1"].IsVector() {
		t.Fatalf("expected req1 to be a vector requirement")
	}
	if mod.Requirements["req2"].IsVector() {
		t.Fatalf("expected req2 to not be a vector requirement")
	}
	if mod.Metadata.License != "http://MIT" {
		t.Fatalf("unexpected license: %s", mod.Metadata.License)
	}
	if v := mod.ConfigSchemas["setting1"]; v == nil {
		t.Fatalf("expected setting1 validator")
	} else if res := v.Validate("a string"); !res.OK() {
		t.Fatalf("expected string to validate: %v", res.Err)
	}
}

func TestParseModuleTextInvalid(t *testing.T) {
	if _, err := ParseModuleText([]byte(invalidManifest)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestUriFormatAcceptsSchemeSeparator(t *testing.T) {
	v, err := NewValidator(map[string]any{"type": "string", "format": "uri"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res := v.Validate("http://example.com"); !res.OK() {
		t.Fatalf("expected valid uri, got %v", res.Err)
	}
	if res := v.Validate("not-a-uri"); res.OK() {
		t.Fatalf("expected invalid uri to fail")
	}
}

const interfaceDoc = `{
  "cmds": { "start": { "arguments": { "x": {"type": "integer"} }, "result": {"type": "boolean"} } },
  "vars": { "connected": { "type": "boolean" } }
}`

func TestParseInterfaceText(t *testing.T) {
	iface, err := ParseInterfaceText([]byte(interfaceDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := iface.Commands["start"]; !ok {
		t.Fatalf("expected start command")
	}
	if _, ok := iface.Variables["connected"]; !ok {
		t.Fatalf("expected connected variable")
	}
	if iface.Hash == "" {
		t.Fatalf("expected non-empty hash")
	}
}

func TestHashTextIsDeterministic(t *testing.T) {
	a := HashText([]byte(interfaceDoc))
	b := HashText([]byte(interfaceDoc))
	if a != b {
		t.Fatalf("expected stable hash")
	}
}

func TestParseModuleConfiguration(t *testing.T) {
	mod, err := ParseModuleText([]byte(validManifest))
	require.NoError(t, err)

	cfgDoc := map[string]any{
		"config_module":         map[string]any{"setting1": "override"},
		"config_implementation": map[string]any{"impl1": map[string]any{"impl_setting": 42.0}},
		"connections": map[string]any{
			"req1": []any{map[string]any{"module_id": "m2", "implementation_id": "i2"}},
			"req2": []any{map[string]any{"module_id": "m3", "implementation_id": "i3"}},
		},
	}

	cfg, err := ParseModuleConfiguration(cfgDoc, mod)
	require.NoError(t, err)

	require.Equal(t, map[string]Value{"setting1": "override"}, cfg.ModuleConfig)
	require.Equal(t, map[string]map[string]Value{"impl1": {"impl_setting": 42.0}}, cfg.ImplementationConfigs)
	require.Equal(t, cfgDoc["connections"], cfg.Connections)

	// round-tripping the same document again must produce an identical
	// ModuleConfiguration, since parsing is a pure function of its inputs.
	cfg2, err := ParseModuleConfiguration(cfgDoc, mod)
	require.NoError(t, err)
	require.Equal(t, cfg, cfg2)
}

func TestParseModuleConfigurationRejectsUnknownConnection(t *testing.T) {
	mod, err := ParseModuleText([]byte(validManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfgDoc := map[string]any{
		"connections": map[string]any{
			"req2":              []any{map[string]any{"module_id": "m3", "implementation_id": "i3"}},
			"not_a_requirement": []any{},
		},
	}
	if _, err := ParseModuleConfiguration(cfgDoc, mod); err == nil {
		t.Fatalf("expected error for unknown connection requirement")
	}
}

func TestEmbeddedSchemasHashThemselves(t *testing.T) {
	m := ManifestSchema()
	if HashText(m.Text) != m.MD5 {
		t.Fatalf("manifest schema hash mismatch")
	}
	i := InterfaceSchemaInfo()
	if HashText(i.Text) != i.MD5 {
		t.Fatalf("interface schema hash mismatch")
	}
	c := ConfigSchemaInfo()
	if HashText(c.Text) != c.MD5 {
		t.Fatalf("config schema hash mismatch")
	}
}
