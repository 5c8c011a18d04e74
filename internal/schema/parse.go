package schema

import (
	"encoding/json"
	"fmt"
)

func asObject(v Value) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

func asArray(v Value) []any {
	if v == nil {
		return nil
	}
	a, ok := v.([]any)
	if !ok {
		return nil
	}
	return a
}

func parseCapabilities(raw Value) []string {
	items := asArray(raw)
	caps := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			caps = append(caps, s)
		}
	}
	return caps
}

func parseMetadata(raw Value) (Metadata, error) {
	obj := asObject(raw)
	authorsRaw, ok := obj["authors"]
	if !ok {
		return Metadata{}, fmt.Errorf("schema: metadata missing \"authors\"")
	}
	var authors []string
	for _, a := range asArray(authorsRaw) {
		if s, ok := a.(string); ok {
			authors = append(authors, s)
		}
	}
	license, _ := obj["license"].(string)
	return Metadata{Authors: authors, License: license}, nil
}

// parseConfigSet parses a manifest's inline "config" map: each entry
// is itself a JSON schema describing one config key, and if that
// schema carries a "default", the default must validate against its
// own schema.
func parseConfigSet(raw Value) (map[string]*Validator, error) {
	out := map[string]*Validator{}
	for key, itemSchema := range asObject(raw) {
		v, err := NewValidator(itemSchema)
		if err != nil {
			return nil, fmt.Errorf("schema: config key %q: %w", key, err)
		}
		if def, ok := v.Default(); ok {
			if res := v.Validate(def); !res.OK() {
				return nil, fmt.Errorf("schema: default value for config key %q does not validate against its own schema", key)
			}
		}
		out[key] = v
	}
	return out, nil
}

func parseImplementations(raw Value) (map[string]Implementation, error) {
	out := map[string]Implementation{}
	for name, v := range asObject(raw) {
		obj := asObject(v)
		impl := Implementation{}
		if cfg, ok := obj["config"]; ok {
			schemas, err := parseConfigSet(cfg)
			if err != nil {
				return nil, err
			}
			impl.ConfigSchemas = schemas
		}
		iface, _ := obj["interface"].(string)
		impl.Interface = iface
		out[name] = impl
	}
	return out, nil
}

func parseRequirements(raw Value) map[string]Requirement {
	out := map[string]Requirement{}
	for name, v := range asObject(raw) {
		obj := asObject(v)
		req := Requirement{MinConnections: 1, MaxConnections: 1}
		if iface, ok := obj["interface"].(string); ok {
			req.Interface = iface
		}
		if min, ok := obj["min_connections"].(float64); ok {
			req.MinConnections = int(min)
		}
		if max, ok := obj["max_connections"].(float64); ok {
			req.MaxConnections = int(max)
		}
		out[name] = req
	}
	return out
}

// ParseModule validates and parses a manifest document whose source
// text hash is already known (callers loading from disk compute it
// once and reuse it for dedup checks).
func ParseModule(doc Value, hash string) (ModuleManifest, error) {
	if res := ValidateManifest(doc); !res.OK() {
		return ModuleManifest{}, fmt.Errorf("schema: invalid module manifest at %s: %w", res.Pointer, res.Err)
	}

	obj := asObject(doc)
	manifest := ModuleManifest{Hash: hash}

	if caps, ok := obj["capabilities"]; ok {
		manifest.Capabilities = parseCapabilities(caps)
	}
	if cfg, ok := obj["config"]; ok {
		schemas, err := parseConfigSet(cfg)
		if err != nil {
			return ModuleManifest{}, err
		}
		manifest.ConfigSchemas = schemas
	}
	if impls, ok := obj["implements"]; ok {
		parsed, err := parseImplementations(impls)
		if err != nil {
			return ModuleManifest{}, err
		}
		manifest.Implementations = parsed
	}
	if reqs, ok := obj["requires"]; ok {
		manifest.Requirements = parseRequirements(reqs)
	}

	metadata, err := parseMetadata(obj["metadata"])
	if err != nil {
		return ModuleManifest{}, err
	}
	manifest.Metadata = metadata

	return manifest, nil
}

// ParseModuleText parses raw manifest JSON bytes, computing the
// source-text hash itself.
func ParseModuleText(text []byte) (ModuleManifest, error) {
	var doc Value
	if err := json.Unmarshal(text, &doc); err != nil {
		return ModuleManifest{}, fmt.Errorf("schema: module definition cannot be parsed as JSON: %w", err)
	}
	return ParseModule(doc, HashText(text))
}

func parseArguments(raw Value) ArgumentTypes {
	args := ArgumentTypes{}
	for name, t := range asObject(raw) {
		args[name] = t
	}
	return args
}

func parseCommand(raw Value) CommandType {
	obj := asObject(raw)
	result := obj["result"]
	if result == nil {
		result = map[string]any{}
	}
	return CommandType{
		Arguments: parseArguments(obj["arguments"]),
		Result:    result,
	}
}

func parseCommands(raw Value) map[string]CommandType {
	out := map[string]CommandType{}
	for name, v := range asObject(raw) {
		out[name] = parseCommand(v)
	}
	return out
}

func parseVariables(raw Value) map[string]VariableType {
	out := map[string]VariableType{}
	for name, v := range asObject(raw) {
		out[name] = VariableType{Type: v}
	}
	return out
}

// ParseInterface validates and parses an interface document.
func ParseInterface(doc Value, hash string) (Interface, error) {
	if res := ValidateInterface(doc); !res.OK() {
		return Interface{}, fmt.Errorf("schema: could not validate interface at %s: %w", res.Pointer, res.Err)
	}
	obj := asObject(doc)
	return Interface{
		Commands:  parseCommands(obj["cmds"]),
		Variables: parseVariables(obj["vars"]),
		Hash:      hash,
	}, nil
}

// ParseInterfaceText parses raw interface JSON bytes, computing the
// source-text hash itself.
func ParseInterfaceText(text []byte) (Interface, error) {
	var doc Value
	if err := json.Unmarshal(text, &doc); err != nil {
		return Interface{}, fmt.Errorf("schema: interface definition cannot be parsed as JSON: %w", err)
	}
	return ParseInterface(doc, HashText(text))
}

// parseConfigItemSet validates a flat config map ("config_module" or
// one implementation's config block) against a set of per-key
// schemas, applying defaults for missing keys and rejecting both
// unknown keys and values that fail their schema.
func parseConfigItemSet(config Value, schemas map[string]*Validator) (map[string]Value, error) {
	configObj := asObject(config)
	out := map[string]Value{}

	for name, validator := range schemas {
		if v, present := configObj[name]; present {
			if res := validator.Validate(v); !res.OK() {
				return nil, fmt.Errorf("schema: supplied value for config key %q does not validate against the config keys schema", name)
			}
			out[name] = v
			continue
		}
		def, ok := validator.Default()
		if !ok {
			return nil, fmt.Errorf("schema: config key %q in config set is not set and has no default", name)
		}
		out[name] = def
	}

	for name := range configObj {
		if _, known := schemas[name]; !known {
			return nil, fmt.Errorf("schema: config key %q has been set in the configuration, but does not exist in the manifest", name)
		}
	}

	return out, nil
}

func parseImplementationConfiguration(raw Value, implementations map[string]Implementation) (map[string]map[string]Value, error) {
	configObj := asObject(raw)
	out := map[string]map[string]Value{}

	for implName, impl := range implementations {
		implConfig, _ := configObj[implName]
		parsed, err := parseConfigItemSet(implConfig, impl.ConfigSchemas)
		if err != nil {
			return nil, fmt.Errorf("schema: failed to parse the config set for implementation id %q: %w", implName, err)
		}
		out[implName] = parsed
	}

	for implName := range configObj {
		if _, known := implementations[implName]; !known {
			return nil, fmt.Errorf("schema: configuration found for an implementation named %q, that does not exist in the module manifest", implName)
		}
	}

	return out, nil
}

func checkConnections(raw Value, requirements map[string]Requirement) error {
	connections := asObject(raw)

	for reqID, req := range requirements {
		conn, present := connections[reqID]
		if !present {
			if req.MinConnections > 0 {
				return fmt.Errorf("schema: requirement %q needs at least one connection to a fulfilling implementation", reqID)
			}
			continue
		}
		items := asArray(conn)
		if len(items) > req.MaxConnections {
			return fmt.Errorf("schema: requirement %q can take at maximum %d connections to fulfilling implementations, but %d have been defined in the config", reqID, req.MaxConnections, len(items))
		}
	}

	for reqID := range connections {
		if _, known := requirements[reqID]; !known {
			return fmt.Errorf("schema: connection found for a requirement named %q, that does not exist in the module manifest", reqID)
		}
	}

	return nil
}

// ParseModuleConfiguration cross-checks one module's deployment
// configuration stanza (config_module / config_implementation /
// connections) against its manifest.
func ParseModuleConfiguration(doc Value, manifest ModuleManifest) (ModuleConfiguration, error) {
	obj := asObject(doc)

	moduleConfig, err := parseConfigItemSet(obj["config_module"], manifest.ConfigSchemas)
	if err != nil {
		return ModuleConfiguration{}, fmt.Errorf("schema: failed to parse the config set for the module: %w", err)
	}

	implConfigs, err := parseImplementationConfiguration(obj["config_implementation"], manifest.Implementations)
	if err != nil {
		return ModuleConfiguration{}, err
	}

	connections := asObject(obj["connections"])
	if err := checkConnections(connections, manifest.Requirements); err != nil {
		return ModuleConfiguration{}, err
	}

	return ModuleConfiguration{
		ModuleConfig:          moduleConfig,
		ImplementationConfigs: implConfigs,
		Connections:           connections,
	}, nil
}
