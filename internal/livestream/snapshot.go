package livestream

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNoSnapshot is returned when no state snapshot exists yet
var ErrNoSnapshot = errors.New("no active ORDER run")

// ReadSnapshot returns the current state.json document unchanged
func ReadSnapshot(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("reading %s: invalid JSON", path)
	}
	return data, nil
}
