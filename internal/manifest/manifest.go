// Package manifest reads the static deployment manifest of known
// {hedgeId, txHash} pairs. The manifest is the last resolution tier: it
// covers pre-seeded demo hedges whose originating blocks sit outside the
// event-scan horizon.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
)

type entry struct {
	HedgeID uint64 `json:"hedge_id"`
	TxHash  string `json:"tx_hash"`
}

// Load reads a manifest file and returns its id-to-hash map. A missing path
// yields an empty map rather than an error; a present but malformed file is
// an error.
func Load(path string) (map[uint64]string, error) {
	if path == "" {
		return map[uint64]string{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]string{}, nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	out := make(map[uint64]string, len(entries))
	for _, e := range entries {
		if e.TxHash != "" {
			out[e.HedgeID] = e.TxHash
		}
	}
	return out, nil
}
