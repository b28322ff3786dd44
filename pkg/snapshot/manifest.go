package snapshot

import (
	"encoding/json"
	"os"
	"time"

	"tablestore/pkg/dberrors"
)

const manifestFileName = "manifest.json"

// Manifest describes exactly which files belong to a snapshot. File paths
// are relative to the snapshot directory; secondary-structure entries nest
// under their own subdirectory.
type Manifest struct {
	Files            []string  `json:"files"`
	SchemaIdentifier string    `json:"schema_identifier"`
	CreatedAt        time.Time `json:"created_at"`
	Ephemeral        bool      `json:"ephemeral"`
}

func (m *Manifest) write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return dberrors.NewStorageIO("write", path, err)
	}
	return nil
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, dberrors.NewStorageIO("read", path, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
