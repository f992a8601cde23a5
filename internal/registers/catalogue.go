// Package registers maps named inverter registers to the register ranges the
// polling cycle reads.
package registers

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/resident-x/go-sunsynk/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var embeddedDefinitions embed.FS

// Definition is one named register block.
type Definition struct {
	Name    string `yaml:"name"`
	Address uint16 `yaml:"address"`
	Count   uint16 `yaml:"count"`
	Kind    string `yaml:"kind"`
}

type definitionFile struct {
	Registers []Definition `yaml:"registers"`
}

// Catalogue is an immutable set of register definitions keyed by name.
type Catalogue struct {
	name   string
	byName map[string]domain.RegisterRange
	order  []string
}

// Builtin lists the catalogues compiled into the binary.
func Builtin() []string {
	entries, err := embeddedDefinitions.ReadDir("definitions")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

// Load returns a builtin catalogue by name, or reads the YAML file at the
// given path when no builtin matches.
func Load(name string) (*Catalogue, error) {
	data, err := embeddedDefinitions.ReadFile("definitions/" + name + ".yaml")
	if err == nil {
		return Parse(name, data)
	}
	return LoadFile(name)
}

// LoadFile reads a catalogue from a YAML file.
func LoadFile(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigurationError{Subject: "register definitions", Reason: err.Error()}
	}
	return Parse(filepath.Base(path), data)
}

// Parse builds a catalogue from YAML. A missing count means one register, a
// missing kind means holding registers.
func Parse(name string, data []byte) (*Catalogue, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &domain.ConfigurationError{Subject: "register definitions " + name, Reason: err.Error()}
	}

	c := &Catalogue{name: name, byName: make(map[string]domain.RegisterRange, len(file.Registers))}
	for _, def := range file.Registers {
		r, err := def.toRange()
		if err != nil {
			return nil, &domain.ConfigurationError{Subject: "register definitions " + name, Reason: err.Error()}
		}
		if _, exists := c.byName[def.Name]; exists {
			return nil, &domain.ConfigurationError{
				Subject: "register definitions " + name,
				Reason:  fmt.Sprintf("register '%s' defined twice", def.Name),
			}
		}
		c.byName[def.Name] = r
		c.order = append(c.order, def.Name)
	}
	if len(c.order) == 0 {
		return nil, &domain.ConfigurationError{Subject: "register definitions " + name, Reason: "no registers defined"}
	}
	return c, nil
}

func (d Definition) toRange() (domain.RegisterRange, error) {
	if d.Name == "" {
		return domain.RegisterRange{}, fmt.Errorf("register at address %d has no name", d.Address)
	}
	count := d.Count
	if count == 0 {
		count = 1
	}
	kind := domain.KindHolding
	if d.Kind != "" {
		var err error
		if kind, err = domain.ParseRegisterKind(d.Kind); err != nil {
			return domain.RegisterRange{}, fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	r, err := domain.NewRange(kind, d.Address, count)
	if err != nil {
		return domain.RegisterRange{}, fmt.Errorf("register %s: %w", d.Name, err)
	}
	return r, nil
}

// Name returns the catalogue name.
func (c *Catalogue) Name() string {
	return c.name
}

// Names returns every register name in definition order.
func (c *Catalogue) Names() []string {
	return append([]string(nil), c.order...)
}

// Range returns the range of a named register.
func (c *Catalogue) Range(name string) (domain.RegisterRange, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// Select resolves register names to a Selection. No names selects everything.
func (c *Catalogue) Select(names []string) (*Selection, error) {
	if len(names) == 0 {
		names = c.order
	}

	s := &Selection{byRange: make(map[domain.RegisterRange][]string)}
	seen := make(map[string]bool, len(names))
	var unknown []string
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		r, ok := c.byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if _, exists := s.byRange[r]; !exists {
			s.ranges = append(s.ranges, r)
		}
		s.byRange[r] = append(s.byRange[r], name)
		s.names = append(s.names, name)
	}

	if len(unknown) > 0 {
		return nil, &domain.ConfigurationError{
			Subject: "registers",
			Reason:  fmt.Sprintf("unknown register(s) %s in %s", strings.Join(unknown, ", "), c.name),
		}
	}
	return s, nil
}

// Selection is the set of registers one inverter polls.
type Selection struct {
	names   []string
	ranges  []domain.RegisterRange
	byRange map[domain.RegisterRange][]string
}

// Names returns the selected register names.
func (s *Selection) Names() []string {
	return append([]string(nil), s.names...)
}

// Ranges returns the distinct ranges to read each cycle.
func (s *Selection) Ranges() []domain.RegisterRange {
	return append([]domain.RegisterRange(nil), s.ranges...)
}

// Merge returns a selection holding the registers of both.
func (s *Selection) Merge(other *Selection) *Selection {
	out := &Selection{byRange: make(map[domain.RegisterRange][]string)}
	seen := make(map[string]bool)
	for _, sel := range []*Selection{s, other} {
		if sel == nil {
			continue
		}
		for _, r := range sel.ranges {
			for _, name := range sel.byRange[r] {
				if seen[name] {
					continue
				}
				seen[name] = true
				if _, exists := out.byRange[r]; !exists {
					out.ranges = append(out.ranges, r)
				}
				out.byRange[r] = append(out.byRange[r], name)
				out.names = append(out.names, name)
			}
		}
	}
	return out
}

// Decode maps a cycle outcome onto register names. Values holds the words of
// every available register; Unavailable lists the rest, sorted.
func (s *Selection) Decode(result *domain.CycleResult) (values map[string][]uint16, unavailable []string) {
	values = make(map[string][]uint16, len(s.names))
	for _, r := range s.ranges {
		words, ok := result.Values[r]
		for _, name := range s.byRange[r] {
			if ok {
				values[name] = words
			} else {
				unavailable = append(unavailable, name)
			}
		}
	}
	sort.Strings(unavailable)
	return values, unavailable
}
