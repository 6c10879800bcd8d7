// Package languages loads the read-only catalog of executable languages.
package languages

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultPath is where the catalog lives unless ATO_LANGUAGES_PATH says
// otherwise.
const DefaultPath = "/usr/local/share/ATO/languages.json"

// Language describes one entry of the catalog. The image name selects the
// rootfs and environment the container is built from; the rest is metadata
// passed through to clients.
type Language struct {
	Name    string `json:"name" msgpack:"name"`
	Image   string `json:"image" msgpack:"image"`
	Version string `json:"version" msgpack:"version"`
	URL     string `json:"url" msgpack:"url"`
	SBCS    bool   `json:"sbcs" msgpack:"sbcs"`
	SEClass string `json:"se_class,omitempty" msgpack:"se_class"`
}

// Catalog maps language identifiers to their definitions.
type Catalog map[string]Language

// Load reads the catalog from the JSON file at path. It is called once at
// process start; the result is never mutated.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read language catalog: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse language catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Path returns the catalog location, honouring the ATO_LANGUAGES_PATH
// override.
func Path() string {
	if p := os.Getenv("ATO_LANGUAGES_PATH"); p != "" {
		return p
	}
	return DefaultPath
}
