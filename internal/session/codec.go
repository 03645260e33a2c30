package session

import (
	"database/sql"
	"encoding/json"
)

func marshalMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

func unmarshalMetadata(value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(value.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}
