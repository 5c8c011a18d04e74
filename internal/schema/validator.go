package schema

import (
	"crypto/md5"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
)

//go:embed schemas/manifest.schema.json schemas/interface.schema.json schemas/config.schema.json
var embeddedSchemas embed.FS

// uriFormatInstalled is declared before the embedded schema variables
// below, so the override is in place when they are compiled.
var uriFormatInstalled = func() bool {
	// The original implementation's format_checker overrides the
	// library default "uri" check with a bare substring test; keep the
	// same loose semantics rather than RFC 3986 strictness.
	jsonschema.Formats["uri"] = func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, "://")
	}
	return true
}()

// Validator wraps a compiled JSON schema.
type Validator struct {
	schema *jsonschema.Schema
	raw    Value
}

// ValidationResult is the outcome of validating one instance.
type ValidationResult struct {
	Err     error
	Pointer string
}

// OK reports whether validation succeeded.
func (r ValidationResult) OK() bool {
	return r.Err == nil
}

// NewValidator compiles a single JSON schema fragment (e.g. a config
// item's own schema, found inline inside a manifest's "config" map).
func NewValidator(raw Value) (*Validator, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal inline schema: %w", err)
	}
	compiled, err := compileBytes("inline.json", encoded)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: compiled, raw: raw}, nil
}

// Validate checks instance against the compiled schema.
func (v *Validator) Validate(instance Value) ValidationResult {
	if err := v.schema.Validate(instance); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return ValidationResult{Err: err, Pointer: verr.InstanceLocation}
		}
		return ValidationResult{Err: err}
	}
	return ValidationResult{}
}

// Default returns the schema's "default" keyword value, if any.
func (v *Validator) Default() (Value, bool) {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return nil, false
	}
	d, ok := m["default"]
	return d, ok
}

func compileBytes(url string, data []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(url, strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func mustCompileEmbedded(path string) (*jsonschema.Schema, []byte) {
	data, err := embeddedSchemas.ReadFile(path)
	if err != nil {
		logrus.WithError(err).WithField("schema", path).Fatal("schema: embedded schema missing")
	}
	compiled, err := compileBytes(path, data)
	if err != nil {
		logrus.WithError(err).WithField("schema", path).Fatal("schema: could not compile embedded schema")
	}
	return compiled, data
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

var (
	manifestSchema, manifestSchemaBytes   = mustCompileEmbedded("schemas/manifest.schema.json")
	interfaceSchema, interfaceSchemaBytes = mustCompileEmbedded("schemas/interface.schema.json")
	configSchema, configSchemaBytes       = mustCompileEmbedded("schemas/config.schema.json")

	manifestSchemaMD5  = md5Hex(manifestSchemaBytes)
	interfaceSchemaMD5 = md5Hex(interfaceSchemaBytes)
	configSchemaMD5    = md5Hex(configSchemaBytes)
)

// EmbeddedSchema exposes one compiled-in schema's source text and hash,
// mirroring the self-check that the original's test suite performs
// against its generated schema headers.
type EmbeddedSchema struct {
	Text []byte
	MD5  string
}

// ManifestSchema returns the compiled-in module manifest schema.
func ManifestSchema() EmbeddedSchema {
	return EmbeddedSchema{Text: manifestSchemaBytes, MD5: manifestSchemaMD5}
}

// InterfaceSchemaInfo returns the compiled-in interface schema.
func InterfaceSchemaInfo() EmbeddedSchema {
	return EmbeddedSchema{Text: interfaceSchemaBytes, MD5: interfaceSchemaMD5}
}

// ConfigSchemaInfo returns the compiled-in deployment config schema.
func ConfigSchemaInfo() EmbeddedSchema {
	return EmbeddedSchema{Text: configSchemaBytes, MD5: configSchemaMD5}
}

// ValidateManifest validates a raw manifest document.
func ValidateManifest(instance Value) ValidationResult {
	return validateAgainst(manifestSchema, instance)
}

// ValidateInterface validates a raw interface document.
func ValidateInterface(instance Value) ValidationResult {
	return validateAgainst(interfaceSchema, instance)
}

// ValidateDeploymentConfig validates a raw deployment config document.
func ValidateDeploymentConfig(instance Value) ValidationResult {
	return validateAgainst(configSchema, instance)
}

func validateAgainst(s *jsonschema.Schema, instance Value) ValidationResult {
	if err := s.Validate(instance); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return ValidationResult{Err: err, Pointer: verr.InstanceLocation}
		}
		return ValidationResult{Err: err}
	}
	return ValidationResult{}
}

// HashText returns the MD5 hex digest of raw source text, used to
// detect whether two loads of the same manifest/interface agree.
func HashText(text []byte) string {
	return md5Hex(text)
}
