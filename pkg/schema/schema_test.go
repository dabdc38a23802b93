package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func orderEntities() []*Entity {
	return []*Entity{
		{
			FQN:        "adventureworks.saleslt.salesorderheader",
			Database:   "adventureworks",
			Schema:     "saleslt",
			Entity:     "salesorderheader",
			EntityName: "Sales Order Header",
			Definition: "One row per sales order.",
			Columns: []Column{
				{Name: "SalesOrderID", DataType: "int"},
				{Name: "OrderDate", DataType: "datetime"},
				{Name: "TotalDue", DataType: "money"},
				{Name: "ShipToAddressID", DataType: "int"},
			},
			EntityRelationships: []Relationship{
				{
					ForeignFQN:  "adventureworks.saleslt.address",
					ForeignKeys: []ForeignKey{{Column: "ShipToAddressID", ForeignColumn: "AddressID"}},
				},
			},
			CompleteEntityRelationshipsGraph: []string{
				"adventureworks.saleslt.salesorderheader -> adventureworks.saleslt.address",
				"adventureworks.saleslt.salesorderheader -> adventureworks.saleslt.salesorderdetail -> adventureworks.saleslt.product",
			},
		},
		{
			FQN:        "adventureworks.saleslt.address",
			Database:   "adventureworks",
			Schema:     "saleslt",
			Entity:     "address",
			EntityName: "Address",
			Columns: []Column{
				{Name: "AddressID", DataType: "int"},
				{Name: "CountryRegion", DataType: "nvarchar"},
			},
		},
		{
			FQN:        "adventureworks.saleslt.salesorderdetail",
			Database:   "adventureworks",
			Schema:     "saleslt",
			Entity:     "salesorderdetail",
			EntityName: "Sales Order Detail",
			Columns: []Column{
				{Name: "SalesOrderID", DataType: "int"},
				{Name: "ProductID", DataType: "int"},
			},
		},
		{
			FQN:        "adventureworks.saleslt.product",
			Database:   "adventureworks",
			Schema:     "saleslt",
			Entity:     "product",
			EntityName: "Product",
			Columns: []Column{
				{Name: "ProductID", DataType: "int"},
				{Name: "Name", DataType: "nvarchar"},
			},
		},
	}
}

func TestNewStore_ValidatesReferences(t *testing.T) {
	entities := orderEntities()
	entities[0].EntityRelationships = append(entities[0].EntityRelationships, Relationship{
		ForeignFQN: "adventureworks.saleslt.ghost",
	})

	if _, err := NewStore(entities, nil, nil); err == nil {
		t.Fatal("expected error for unresolved relationship reference")
	}
}

func TestNewStore_ExternalReferenceAllowed(t *testing.T) {
	entities := orderEntities()
	entities[0].EntityRelationships = append(entities[0].EntityRelationships, Relationship{
		ForeignFQN: "othersystem.dbo.shipments",
		External:   true,
	})

	if _, err := NewStore(entities, nil, nil); err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
}

func TestEntity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Entity)
		wantErr bool
	}{
		{"valid", func(e *Entity) {}, false},
		{"missing fqn", func(e *Entity) { e.FQN = "" }, true},
		{"malformed fqn", func(e *Entity) { e.FQN = "only.two" }, true},
		{"no columns", func(e *Entity) { e.Columns = nil }, true},
		{"duplicate column", func(e *Entity) {
			e.Columns = append(e.Columns, e.Columns[0])
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := orderEntities()[0]
			tt.mutate(e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestGraph_FindJoinPath(t *testing.T) {
	store, err := NewStore(orderEntities(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	path, err := store.Graph().FindJoinPath(
		"adventureworks.saleslt.salesorderheader",
		"adventureworks.saleslt.product",
	)
	if err != nil {
		t.Fatalf("FindJoinPath() error = %v", err)
	}

	want := []string{
		"adventureworks.saleslt.salesorderheader",
		"adventureworks.saleslt.salesorderdetail",
		"adventureworks.saleslt.product",
	}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}
}

func TestGraph_NoPath(t *testing.T) {
	store, err := NewStore(orderEntities(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	// Address has no outbound edges.
	if _, err := store.Graph().FindJoinPath(
		"adventureworks.saleslt.address",
		"adventureworks.saleslt.product",
	); err == nil {
		t.Fatal("expected error for unreachable entity")
	}
}

func TestParsePath(t *testing.T) {
	hops := ParsePath("a.b.c -> a.b.d -> a.b.e")
	if len(hops) != 3 || hops[1] != "a.b.d" {
		t.Errorf("ParsePath() = %v", hops)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"FQN": "db.s.orders",
		"Database": "db",
		"Schema": "s",
		"Entity": "orders",
		"EntityName": "Orders",
		"Columns": [{"Name": "ID", "DataType": "int"}]
	}`
	if err := os.WriteFile(filepath.Join(dir, "orders.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	entities, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(entities) != 1 || entities[0].FQN != "db.s.orders" {
		t.Errorf("LoadDir() = %+v", entities)
	}
}
