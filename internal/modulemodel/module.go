// Package modulemodel builds the in-memory Module/Interface map that
// a running peer consults to validate and route commands and
// variables, out of the documents parsed by internal/schema.
package modulemodel

import (
	"fmt"

	"github.com/pionbrook/everest-runtime/internal/schema"
)

var (
	// ErrUnknownImplementation is returned when an implementation id is
	// not present in the module.
	ErrUnknownImplementation = fmt.Errorf("modulemodel: unknown implementation")
	// ErrUnknownRequirement is returned when a requirement id is not
	// present in the module.
	ErrUnknownRequirement = fmt.Errorf("modulemodel: unknown requirement")
	// ErrUnknownCommand is returned when a command name is not present
	// on the resolved interface.
	ErrUnknownCommand = fmt.Errorf("modulemodel: unknown command")
	// ErrUnknownVariable is returned when a variable name is not
	// present on the resolved interface.
	ErrUnknownVariable = fmt.Errorf("modulemodel: unknown variable")
)

// InterfaceMap deduplicates interface documents by their source-text
// MD5, so two implementations that share the same interface type
// reuse the same parsed schema::Interface instead of re-validating it.
type InterfaceMap struct {
	byName map[string]*schema.Interface
	byHash map[string]*schema.Interface
}

// NewInterfaceMapBuilder starts an empty interface map.
func NewInterfaceMapBuilder() *InterfaceMap {
	return &InterfaceMap{
		byName: map[string]*schema.Interface{},
		byHash: map[string]*schema.Interface{},
	}
}

// Add registers a named interface, deduplicating by hash: if an
// identical interface document was already added under a different
// name, the cached parse is reused.
func (m *InterfaceMap) Add(name string, iface schema.Interface) *schema.Interface {
	if cached, ok := m.byHash[iface.Hash]; ok {
		m.byName[name] = cached
		return cached
	}
	cp := iface
	m.byName[name] = &cp
	m.byHash[iface.Hash] = &cp
	return &cp
}

// Get looks up a previously added interface by name.
func (m *InterfaceMap) Get(name string) (*schema.Interface, bool) {
	iface, ok := m.byName[name]
	return iface, ok
}

// Module is the resolved, queryable form of a ModuleManifest: every
// implementation's interface name has been linked to its actual
// parsed Interface.
type Module struct {
	Manifest        schema.ModuleManifest
	Interfaces      *InterfaceMap
	implementations map[string]*schema.Interface
}

// Builder assembles a Module from a manifest plus the interfaces its
// implementations and requirements reference.
type Builder struct {
	manifest   schema.ModuleManifest
	interfaces *InterfaceMap
}

// NewBuilder starts building a Module for the given manifest.
func NewBuilder(manifest schema.ModuleManifest, interfaces *InterfaceMap) *Builder {
	return &Builder{manifest: manifest, interfaces: interfaces}
}

// Build links every implementation to its declared interface and
// returns the finished Module.
func (b *Builder) Build() (*Module, error) {
	impls := map[string]*schema.Interface{}
	for name, impl := range b.manifest.Implementations {
		iface, ok := b.interfaces.Get(impl.Interface)
		if !ok {
			return nil, fmt.Errorf("modulemodel: implementation %q references unknown interface %q", name, impl.Interface)
		}
		impls[name] = iface
	}
	return &Module{
		Manifest:        b.manifest,
		Interfaces:      b.interfaces,
		implementations: impls,
	}, nil
}

// InterfaceFor returns the resolved interface for an implementation id.
func (m *Module) InterfaceFor(implID string) (*schema.Interface, error) {
	iface, ok := m.implementations[implID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, implID)
	}
	return iface, nil
}

// Command resolves a command name on an implementation's interface.
func (m *Module) Command(implID, name string) (schema.CommandType, error) {
	iface, err := m.InterfaceFor(implID)
	if err != nil {
		return schema.CommandType{}, err
	}
	cmd, ok := iface.Commands[name]
	if !ok {
		return schema.CommandType{}, fmt.Errorf("%w: %q on implementation %q", ErrUnknownCommand, name, implID)
	}
	return cmd, nil
}

// Variable resolves a variable name on an implementation's interface.
func (m *Module) Variable(implID, name string) (schema.VariableType, error) {
	iface, err := m.InterfaceFor(implID)
	if err != nil {
		return schema.VariableType{}, err
	}
	v, ok := iface.Variables[name]
	if !ok {
		return schema.VariableType{}, fmt.Errorf("%w: %q on implementation %q", ErrUnknownVariable, name, implID)
	}
	return v, nil
}

// Requirement resolves a requirement id declared on this module.
func (m *Module) Requirement(reqID string) (schema.Requirement, error) {
	req, ok := m.Manifest.Requirements[reqID]
	if !ok {
		return schema.Requirement{}, fmt.Errorf("%w: %q", ErrUnknownRequirement, reqID)
	}
	return req, nil
}

// Setup cross-checks a parsed deployment ModuleConfiguration's
// connections against this module's declared requirements' cardinality,
// returning an error for the first violated requirement.
func (m *Module) Setup(cfg schema.ModuleConfiguration) error {
	for reqID, req := range m.Manifest.Requirements {
		conns, ok := cfg.Connections[reqID]
		if !ok {
			if req.MinConnections > 0 {
				return fmt.Errorf("modulemodel: requirement %q needs at least %d connection(s)", reqID, req.MinConnections)
			}
			continue
		}
		items, _ := conns.([]any)
		if len(items) < req.MinConnections || len(items) > req.MaxConnections {
			return fmt.Errorf("modulemodel: requirement %q has %d connection(s), want between %d and %d", reqID, len(items), req.MinConnections, req.MaxConnections)
		}
	}
	return nil
}
