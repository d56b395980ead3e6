package durable

import "encoding/json"

// Unmarshal decodes a payload produced by Marshal. An empty payload leaves v untouched.
func Unmarshal(data string, v any) error {
	if data == "" || v == nil {
		return nil
	}

	err := json.Unmarshal([]byte(data), v)
	if err != nil {
		return err
	}

	return nil
}
