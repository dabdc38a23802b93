// Package schema holds the entity documents that describe the queryable
// database surface, and the store that retrieves them.
//
// Entities are produced offline by a data dictionary tool and are immutable
// at runtime. Each document carries column definitions, direct foreign-key
// relationships, and the complete relationship graph used to find multi-hop
// join paths.
package schema

import (
	"fmt"
	"strings"
)

// Column describes one column of an entity.
type Column struct {
	Name          string   `json:"Name"`
	DataType      string   `json:"DataType"`
	Definition    string   `json:"Definition,omitempty"`
	AllowedValues []string `json:"AllowedValues,omitempty"`
	SampleValues  []string `json:"SampleValues,omitempty"`
}

// ForeignKey pairs a local column with the referenced column.
type ForeignKey struct {
	Column        string `json:"Column"`
	ForeignColumn string `json:"ForeignColumn"`
}

// Relationship is a direct join edge to another entity.
type Relationship struct {
	ForeignFQN  string       `json:"ForeignFQN"`
	ForeignKeys []ForeignKey `json:"ForeignKeys"`
	// External marks a reference that intentionally resolves outside the
	// store (e.g. a table excluded from the queryable surface).
	External bool `json:"External,omitempty"`
}

// Entity is one schema document: a logical table or view.
type Entity struct {
	FQN        string `json:"FQN"`
	Database   string `json:"Database"`
	Schema     string `json:"Schema"`
	Entity     string `json:"Entity"`
	EntityName string `json:"EntityName"`
	Definition string `json:"Definition"`
	Warehouse  string `json:"Warehouse,omitempty"`

	Columns             []Column       `json:"Columns"`
	EntityRelationships []Relationship `json:"EntityRelationships,omitempty"`

	// CompleteEntityRelationshipsGraph lists multi-hop join paths as
	// "A -> B -> C" strings.
	CompleteEntityRelationshipsGraph []string `json:"CompleteEntityRelationshipsGraph,omitempty"`
}

// Validate checks structural integrity of a single document.
func (e *Entity) Validate() error {
	if e.FQN == "" {
		return fmt.Errorf("entity missing FQN")
	}
	if parts := strings.Split(e.FQN, "."); len(parts) != 3 {
		return fmt.Errorf("entity %s: FQN must be database.schema.entity", e.FQN)
	}
	if len(e.Columns) == 0 {
		return fmt.Errorf("entity %s: no columns", e.FQN)
	}
	seen := make(map[string]bool, len(e.Columns))
	for _, col := range e.Columns {
		if col.Name == "" {
			return fmt.Errorf("entity %s: column with empty name", e.FQN)
		}
		if seen[col.Name] {
			return fmt.Errorf("entity %s: duplicate column %s", e.FQN, col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}

// Column returns the named column, matching case-insensitively.
func (e *Entity) Column(name string) (*Column, bool) {
	for i := range e.Columns {
		if strings.EqualFold(e.Columns[i].Name, name) {
			return &e.Columns[i], true
		}
	}
	return nil, false
}

// SearchText renders the document for embedding and keyword indexing:
// name, definition, and per-column descriptions.
func (e *Entity) SearchText() string {
	var b strings.Builder
	b.WriteString(e.EntityName)
	b.WriteString(". ")
	b.WriteString(e.Definition)
	for _, col := range e.Columns {
		b.WriteString(" ")
		b.WriteString(col.Name)
		if col.Definition != "" {
			b.WriteString(": ")
			b.WriteString(col.Definition)
		}
	}
	return b.String()
}

// PromptText renders the document for inclusion in an agent prompt.
func (e *Entity) PromptText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s (%s)\n", e.FQN, e.EntityName)
	if e.Definition != "" {
		fmt.Fprintf(&b, "Definition: %s\n", e.Definition)
	}
	b.WriteString("Columns:\n")
	for _, col := range e.Columns {
		fmt.Fprintf(&b, "  - %s (%s)", col.Name, col.DataType)
		if col.Definition != "" {
			fmt.Fprintf(&b, ": %s", col.Definition)
		}
		if len(col.SampleValues) > 0 {
			fmt.Fprintf(&b, " [samples: %s]", strings.Join(col.SampleValues, ", "))
		}
		if len(col.AllowedValues) > 0 {
			fmt.Fprintf(&b, " [allowed: %s]", strings.Join(col.AllowedValues, ", "))
		}
		b.WriteString("\n")
	}
	if len(e.EntityRelationships) > 0 {
		b.WriteString("Relationships:\n")
		for _, rel := range e.EntityRelationships {
			pairs := make([]string, 0, len(rel.ForeignKeys))
			for _, fk := range rel.ForeignKeys {
				pairs = append(pairs, fmt.Sprintf("%s = %s.%s", fk.Column, rel.ForeignFQN, fk.ForeignColumn))
			}
			fmt.Fprintf(&b, "  - joins %s on %s\n", rel.ForeignFQN, strings.Join(pairs, " and "))
		}
	}
	return b.String()
}
