package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// decode unmarshals task data, treating absent data as an empty object.
func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed task data: %w", err)
	}
	return nil
}

// result wraps v as {"result": v}.
func result(v any) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"result": v})
}
