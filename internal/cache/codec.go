package cache

import (
	"encoding/json"
	"fmt"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// encodeEntry serializes an entry for key-value backends.
func encodeEntry(e Entry) ([]byte, error) {
	if e.Payload == nil {
		e.Payload = []models.StationReading{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", e.Key, err)
	}
	return b, nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}
