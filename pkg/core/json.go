package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidJSONInput is returned for nil values and empty documents.
var ErrInvalidJSONInput = errors.New("invalid json input")

// JSONEncode encodes v to JSON (fail-fast on nil).
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: cannot encode nil value", ErrInvalidJSONInput)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// JSONDecode decodes data into v (fail-fast on empty data or nil target).
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: cannot decode empty data", ErrInvalidJSONInput)
	}
	if v == nil {
		return fmt.Errorf("%w: cannot decode into nil value", ErrInvalidJSONInput)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
