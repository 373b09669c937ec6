package entity

import (
	"github.com/goccy/go-json"
)

// Encode serializes an entity to its stored JSON form.
func Encode[E Stateful](e E) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, InvalidEntity("encode entity", err)
	}
	return data, nil
}

// Decode rebuilds an entity from its stored JSON form.
func Decode[E Stateful](data []byte) (E, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return e, InvalidEntity("decode entity", err)
	}
	return e, nil
}

// Document decodes stored JSON into a generic map for criteria evaluation.
func Document(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, InvalidEntity("decode entity document", err)
	}
	return doc, nil
}

// Validate checks the fields every store relies on.
func Validate(b Base) error {
	if b.ID == "" {
		return InvalidEntity("entity id is required", nil)
	}
	return nil
}
