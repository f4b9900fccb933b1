package gecko

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Normalize converts the provider's data payload into an ordered sequence of
// Records regardless of ingress shape: a single resource object, a list of
// resource objects, or a bare object/list of plain maps. Attributes are
// flattened to the top level and relationship ids are exposed as
// "<name>_id" keys, so collectors never branch on transport shape.
func Normalize(data json.RawMessage) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var entities []apiEntity
		if err := decodeNumbers(trimmed, &entities); err != nil {
			return nil, fmt.Errorf("failed to decode entity list: %w", err)
		}
		records := make([]Record, 0, len(entities))
		for _, ent := range entities {
			records = append(records, flatten(ent))
		}
		return records, nil
	}

	var entity apiEntity
	if err := decodeNumbers(trimmed, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return []Record{flatten(entity)}, nil
}

// flatten merges id, type, attributes and relationship ids into one Record.
func flatten(ent apiEntity) Record {
	rec := make(Record, len(ent.Attributes)+4)
	for k, v := range ent.Attributes {
		rec[k] = v
	}
	if ent.ID != "" {
		rec["id"] = ent.ID
	}
	if ent.Type != "" {
		rec["type"] = ent.Type
	}
	for name, rel := range ent.Relationships {
		if len(rel.Data) == 0 {
			continue
		}
		// Relationship data is either one linkage object or a list of them.
		trimmed := bytes.TrimSpace(rel.Data)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		if trimmed[0] == '[' {
			var many []apiRelData
			if err := json.Unmarshal(trimmed, &many); err != nil {
				continue
			}
			ids := make([]string, 0, len(many))
			for _, d := range many {
				ids = append(ids, d.ID)
			}
			rec[name+"_ids"] = ids
			continue
		}
		var one apiRelData
		if err := json.Unmarshal(trimmed, &one); err != nil {
			continue
		}
		rec[name+"_id"] = one.ID
	}
	return rec
}

// decodeNumbers unmarshals with json.Number so decimal values survive
// without float rounding.
func decodeNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
