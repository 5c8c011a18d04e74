// Package config loads a deployment's topology document, resolves
// each listed module's manifest and interfaces, cross-checks its
// configuration against that manifest, and validates every
// requirement's fulfillments against the rest of the deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pionbrook/everest-runtime/internal/modulemodel"
	"github.com/pionbrook/everest-runtime/internal/schema"
)

// ManifestLoader resolves a module type name to its manifest source,
// and an interface name to its interface source document.
type ManifestLoader interface {
	LoadManifest(moduleType string) ([]byte, error)
	LoadInterface(name string) ([]byte, error)
}

// DirLoader reads manifests from <ModulesDir>/<module_type>/manifest.json
// and interfaces from <InterfacesDir>/<name>.json, the on-disk layout
// the reference runtime's module tree uses.
type DirLoader struct {
	ModulesDir    string
	InterfacesDir string
}

func (l DirLoader) LoadManifest(moduleType string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.ModulesDir, moduleType, "manifest.json"))
}

func (l DirLoader) LoadInterface(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.InterfacesDir, name+".json"))
}

// ModuleDescription is one deployed module instance: its declared
// type, resolved manifest/module model, and cross-checked
// configuration.
type ModuleDescription struct {
	ModuleType string
	Module     *modulemodel.Module
	Config     schema.ModuleConfiguration
}

// Deployment is the fully loaded, cross-checked set of module
// instances that make up one running system.
type Deployment struct {
	Modules map[string]ModuleDescription
}

// rawModuleEntry is the YAML shape of one module's deployment stanza.
type rawModuleEntry struct {
	Module               string         `yaml:"module"`
	ConfigModule         map[string]any `yaml:"config_module"`
	ConfigImplementation map[string]any `yaml:"config_implementation"`
	Connections          map[string]any `yaml:"connections"`
}

func toGenericDoc(entry rawModuleEntry) map[string]any {
	return map[string]any{
		"config_module":         entry.ConfigModule,
		"config_implementation": entry.ConfigImplementation,
		"connections":           entry.Connections,
	}
}

// Load reads a YAML deployment document, resolves every module's
// manifest and interfaces through loader, validates each module's
// configuration, and cross-checks every requirement's fulfillments
// against the rest of the deployment.
func Load(loader ManifestLoader, deploymentYAML []byte) (*Deployment, error) {
	var raw map[string]rawModuleEntry
	if err := yaml.Unmarshal(deploymentYAML, &raw); err != nil {
		return nil, fmt.Errorf("config: deployment document is not valid YAML: %w", err)
	}

	modules := map[string]ModuleDescription{}

	for moduleID, entry := range raw {
		manifestBytes, err := loader.LoadManifest(entry.Module)
		if err != nil {
			return nil, fmt.Errorf("config: module %q: load manifest for type %q: %w", moduleID, entry.Module, err)
		}
		manifest, err := schema.ParseModuleText(manifestBytes)
		if err != nil {
			return nil, fmt.Errorf("config: could not parse the manifest for module id %q of type %q: %w", moduleID, entry.Module, err)
		}

		ifaces := modulemodel.NewInterfaceMapBuilder()
		for implName, impl := range manifest.Implementations {
			ifaceBytes, err := loader.LoadInterface(impl.Interface)
			if err != nil {
				return nil, fmt.Errorf("config: module %q: load interface %q for implementation %q: %w", moduleID, impl.Interface, implName, err)
			}
			iface, err := schema.ParseInterfaceText(ifaceBytes)
			if err != nil {
				return nil, fmt.Errorf("config: module %q: parse interface %q: %w", moduleID, impl.Interface, err)
			}
			ifaces.Add(impl.Interface, iface)
		}

		mod, err := modulemodel.NewBuilder(manifest, ifaces).Build()
		if err != nil {
			return nil, fmt.Errorf("config: module %q: %w", moduleID, err)
		}

		cfg, err := schema.ParseModuleConfiguration(toGenericDoc(entry), manifest)
		if err != nil {
			return nil, fmt.Errorf("config: could not parse configuration for module id %q of type %q: %w", moduleID, entry.Module, err)
		}

		if err := mod.Setup(cfg); err != nil {
			return nil, fmt.Errorf("config: module %q: %w", moduleID, err)
		}

		modules[moduleID] = ModuleDescription{ModuleType: entry.Module, Module: mod, Config: cfg}
	}

	d := &Deployment{Modules: modules}
	if err := d.validateFulfillments(); err != nil {
		return nil, err
	}

	return d, nil
}

// validateFulfillments ports Config::validate_fulfillments: every
// connection a module lists for one of its requirements must name a
// different module that actually exists, that declares an
// implementation under the given id, and whose interface matches the
// one the requirement demands.
func (d *Deployment) validateFulfillments() error {
	for moduleID, desc := range d.Modules {
		for reqID, rawConns := range desc.Config.Connections {
			req, err := desc.Module.Requirement(reqID)
			if err != nil {
				return fmt.Errorf("config: module %q: %w", moduleID, err)
			}

			conns, _ := rawConns.([]any)
			for _, c := range conns {
				fulfillment, _ := c.(map[string]any)
				fulfillingModuleID, _ := fulfillment["module_id"].(string)
				fulfillingImplID, _ := fulfillment["implementation_id"].(string)

				if err := d.validateFulfillment(moduleID, fulfillingModuleID, fulfillingImplID, req.Interface); err != nil {
					return fmt.Errorf("config: requirement %q of module %q has an invalid fulfillment: %w", reqID, moduleID, err)
				}
			}
		}
	}
	return nil
}

func (d *Deployment) validateFulfillment(moduleID, fulfillingModuleID, fulfillingImplID, requiredInterface string) error {
	if fulfillingModuleID == moduleID {
		return fmt.Errorf("a module is not allowed to fulfill its own requirements")
	}

	fulfilling, ok := d.Modules[fulfillingModuleID]
	if !ok {
		return fmt.Errorf("the module with id %q is not listed in the config and cannot fulfill the requirement", fulfillingModuleID)
	}

	impl, ok := fulfilling.Module.Manifest.Implementations[fulfillingImplID]
	if !ok {
		return fmt.Errorf("the module with id %q has no implementation with id %q that could fulfill the requirement", fulfillingModuleID, fulfillingImplID)
	}

	if impl.Interface != requiredInterface {
		return fmt.Errorf("the interface type %q of implementation %q of module %q does not match the required interface %q", impl.Interface, fulfillingImplID, fulfillingModuleID, requiredInterface)
	}

	return nil
}
