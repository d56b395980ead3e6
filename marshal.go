package durable

import (
	"encoding/json"
)

// Marshal create a single point of change if the encoding of orchestration and activity payloads changes.
func Marshal(v any) (string, error) {
	if v == nil {
		return "", nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
