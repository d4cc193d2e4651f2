// Package category defines the closed set of work categories and the
// broker queue each one is dispatched to.
package category

import (
	"fmt"
	"strings"
)

type Category uint8

const (
	Unknown Category = iota
	Exploration
	Training
	Crafting
	// Generation carries pre-built content instruction lists rather than
	// due-entity ticks.
	Generation
)

var names = [...]string{
	Unknown:     "unknown",
	Exploration: "exploration",
	Training:    "training",
	Crafting:    "crafting",
	Generation:  "generation",
}

// All returns every valid category in stable order.
func All() []Category { return []Category{Exploration, Training, Crafting, Generation} }

// Ticked returns the categories the collector produces.
func Ticked() []Category { return []Category{Exploration, Training, Crafting} }

func (c Category) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

func (c Category) Valid() bool { return c > Unknown && c <= Generation }

// Queue is the broker queue name for c.
func (c Category) Queue() string {
	switch c {
	case Exploration, Training, Crafting:
		return "tick." + c.String()
	case Generation:
		return "generation"
	default:
		return ""
	}
}

// Parse maps a name to its category.
func Parse(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if Category(i).Valid() && n == key {
			return Category(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Set is a bitset of categories.
type Set uint32

func NewSet(cs ...Category) Set {
	var s Set
	for _, c := range cs {
		s = s.With(c)
	}
	return s
}

// ParseSet parses a list of names. An empty list yields an empty set.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return 0, err
		}
		s = s.With(c)
	}
	return s, nil
}

func (s Set) With(c Category) Set { return s | 1<<c }
func (s Set) Has(c Category) bool { return c.Valid() && s&(1<<c) != 0 }
func (s Set) Empty() bool         { return s == 0 }

// Members lists the categories in s in stable order.
func (s Set) Members() []Category {
	out := make([]Category, 0, 4)
	for _, c := range All() {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s Set) String() string {
	parts := make([]string, 0, 4)
	for _, c := range s.Members() {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}
