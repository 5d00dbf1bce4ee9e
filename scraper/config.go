package scraper

import "slices"

// FieldDefinition describes how to extract one field of a type. Every entry
// in Selectors is a valid alternative; they are tried in stored order.
type FieldDefinition struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	ChainType string   `json:"chain_type,omitempty"`
	Selectors []string `json:"selectors"`
	Optional  bool     `json:"optional"`
	Default   *string  `json:"default,omitempty"`
}

// Configuration is the full set of field definitions for one type.
type Configuration []FieldDefinition

// Find returns the definition with the given field name.
func (c Configuration) Find(name string) (FieldDefinition, bool) {
	for _, def := range c {
		if def.Name == name {
			return def, true
		}
	}
	return FieldDefinition{}, false
}

// Names returns the field names in configuration order.
func (c Configuration) Names() []string {
	names := make([]string, 0, len(c))
	for _, def := range c {
		names = append(names, def.Name)
	}
	return names
}

// Clone returns a deep copy so callers can hand configurations across
// goroutines without sharing selector slices.
func (c Configuration) Clone() Configuration {
	if c == nil {
		return nil
	}
	out := make(Configuration, len(c))
	for i, def := range c {
		def.Selectors = slices.Clone(def.Selectors)
		if def.Default != nil {
			d := *def.Default
			def.Default = &d
		}
		out[i] = def
	}
	return out
}

// FieldOptions are the client-declared attributes of a field that selector
// discovery cannot infer from examples.
type FieldOptions struct {
	Optional  bool    `json:"optional" yaml:"optional"`
	Default   *string `json:"default,omitempty" yaml:"default"`
	ChainType string  `json:"chain_type,omitempty" yaml:"chain_type"`
}

// Declarations maps type name to field name to declared options.
type Declarations map[string]map[string]FieldOptions

// Lookup returns the declared options for a field of a type.
func (d Declarations) Lookup(typ, name string) (FieldOptions, bool) {
	fields, ok := d[typ]
	if !ok {
		return FieldOptions{}, false
	}
	opts, ok := fields[name]
	return opts, ok
}

// Apply copies the options onto a definition.
func (o FieldOptions) Apply(def *FieldDefinition) {
	def.Optional = o.Optional
	def.ChainType = o.ChainType
	def.Default = nil
	if o.Default != nil {
		v := *o.Default
		def.Default = &v
	}
}
