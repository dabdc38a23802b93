package values

import (
	"strings"
	"testing"
)

func TestReadJSONL(t *testing.T) {
	input := `{"FQN":"db.s.address","Entity":"address","Schema":"s","Database":"db","Column":"CountryRegion","Value":"United Kingdom","Synonyms":["UK","Great Britain"]}

{"FQN":"db.s.address","Entity":"address","Schema":"s","Database":"db","Column":"CountryRegion","Value":"Netherlands"}
`
	records, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Value != "United Kingdom" || len(records[0].Synonyms) != 2 {
		t.Errorf("first record = %+v", records[0])
	}
}

func TestReadJSONL_MalformedLine(t *testing.T) {
	input := `{"FQN":"db.s.address","Column":"CountryRegion","Value":"UK"}
{not json}
`
	_, err := ReadJSONL(strings.NewReader(input))
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error %q does not name the line", err)
	}
}

func TestReadJSONL_MissingFields(t *testing.T) {
	input := `{"FQN":"db.s.address","Column":"CountryRegion"}`
	if _, err := ReadJSONL(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for record missing Value")
	}
}

func TestRecord_SearchTextIncludesSynonyms(t *testing.T) {
	rec := &Record{Value: "United Kingdom", Synonyms: []string{"UK"}}
	text := rec.searchText()
	if !strings.Contains(text, "UK") {
		t.Errorf("searchText() = %q, want synonyms included", text)
	}
}

func TestStore_Count(t *testing.T) {
	records := []*Record{
		{FQN: "db.s.a", Column: "c", Value: "x"},
		{FQN: "db.s.a", Column: "c", Value: "y"},
	}
	store := NewStore(records, nil, nil)
	if store.Count() != 2 {
		t.Errorf("Count() = %d, want 2", store.Count())
	}
}
