// Package agegroup derives a categorical age group from a birth date.
//
// Groups are held in a Table of closed-open age intervals [MinAge, next MinAge).
// The first group starts at zero and the last one is open-ended, so every
// non-negative age maps to exactly one group.
package agegroup

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidBirthDate is returned when a birth date lies after the reference date.
var ErrInvalidBirthDate = errors.New("invalid birth date")

// ErrInvalidTable is returned when a boundary table has gaps, overlaps or
// duplicate names.
var ErrInvalidTable = errors.New("invalid age group table")

// Group is one row of the boundary table.
//
// MaxAge is optional and inclusive. When set it must be exactly one below the
// next group's MinAge; it exists so tables written as inclusive ranges can be
// loaded and checked for contiguity.
type Group struct {
	Name   string `yaml:"name" json:"name"`
	MinAge int    `yaml:"min_age" json:"min_age"`
	MaxAge *int   `yaml:"max_age,omitempty" json:"max_age,omitempty"`
}

// Table is a validated, ordered boundary table.
type Table struct {
	groups []Group
}

// Default boundaries: 0-11 child, 12-17 adolescent, 18-59 adult, 60+ senior.
func DefaultGroups() []Group {
	return []Group{
		{Name: "child", MinAge: 0},
		{Name: "adolescent", MinAge: 12},
		{Name: "adult", MinAge: 18},
		{Name: "senior", MinAge: 60},
	}
}

// Default returns the table built from DefaultGroups.
func Default() *Table {
	t, err := NewTable(DefaultGroups())
	if err != nil {
		panic(err)
	}
	return t
}

// NewTable validates groups and returns a Table. Groups must be given in
// ascending MinAge order.
func NewTable(groups []Group) (*Table, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no groups", ErrInvalidTable)
	}
	if groups[0].MinAge != 0 {
		return nil, fmt.Errorf("%w: first group must start at age 0", ErrInvalidTable)
	}
	seen := make(map[string]struct{}, len(groups))
	for i, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("%w: group %d has no name", ErrInvalidTable, i)
		}
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate group %q", ErrInvalidTable, g.Name)
		}
		seen[g.Name] = struct{}{}

		last := i == len(groups)-1
		if last {
			if g.MaxAge != nil {
				return nil, fmt.Errorf("%w: last group %q must be open-ended", ErrInvalidTable, g.Name)
			}
			continue
		}
		next := groups[i+1]
		if next.MinAge <= g.MinAge {
			return nil, fmt.Errorf("%w: group %q overlaps %q", ErrInvalidTable, next.Name, g.Name)
		}
		if g.MaxAge != nil && *g.MaxAge+1 != next.MinAge {
			return nil, fmt.Errorf("%w: gap or overlap between %q and %q", ErrInvalidTable, g.Name, next.Name)
		}
	}
	out := make([]Group, len(groups))
	copy(out, groups)
	return &Table{groups: out}, nil
}

// LoadFile reads a YAML boundary table:
//
//	groups:
//	  - name: child
//	    min_age: 0
//	  - name: adolescent
//	    min_age: 12
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age group table: %w", err)
	}
	var doc struct {
		Groups []Group `yaml:"groups"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse age group table: %w", err)
	}
	return NewTable(doc.Groups)
}

// Groups returns a copy of the table rows with MaxAge filled in.
func (t *Table) Groups() []Group {
	out := make([]Group, len(t.groups))
	for i, g := range t.groups {
		out[i] = Group{Name: g.Name, MinAge: g.MinAge}
		if i+1 < len(t.groups) {
			maxAge := t.groups[i+1].MinAge - 1
			out[i].MaxAge = &maxAge
		}
	}
	return out
}

// Classify returns the name of the group covering the age, in whole years,
// at ref. Only the calendar dates of birth and ref are compared.
func (t *Table) Classify(birth, ref time.Time) (string, error) {
	age, err := AgeAt(birth, ref)
	if err != nil {
		return "", err
	}
	return t.ForAge(age), nil
}

// ForAge returns the group covering a non-negative age.
func (t *Table) ForAge(age int) string {
	name := t.groups[0].Name
	for _, g := range t.groups {
		if age < g.MinAge {
			break
		}
		name = g.Name
	}
	return name
}

// AgeAt computes the age in whole years at ref.
func AgeAt(birth, ref time.Time) (int, error) {
	by, bm, bd := birth.Date()
	ry, rm, rd := ref.Date()
	b := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	r := time.Date(ry, rm, rd, 0, 0, 0, 0, time.UTC)
	if b.After(r) {
		return 0, fmt.Errorf("%w: %s is after %s", ErrInvalidBirthDate, b.Format(time.DateOnly), r.Format(time.DateOnly))
	}
	age := ry - by
	if rm < bm || (rm == bm && rd < bd) {
		age--
	}
	return age, nil
}
