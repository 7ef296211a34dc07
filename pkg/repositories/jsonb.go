package repositories

import "encoding/json"

// marshalJSONB marshals a map to JSON bytes, returning nil for empty/nil maps.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalJSONB unmarshals JSON bytes into target, silently ignoring nil/empty input.
func unmarshalJSONB(data []byte, target any) {
	if len(data) > 0 && string(data) != "null" {
		_ = json.Unmarshal(data, target)
	}
}
