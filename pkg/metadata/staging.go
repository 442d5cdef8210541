package metadata

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// LoadStagingSet reads the staging_tests ini file and returns the set
// of test names held back from production. Every key of every section
// names one test; section names only organize the file. A missing file
// means nothing is staged.
func LoadStagingSet(path string) (map[string]bool, error) {
	if path == "" {
		return map[string]bool{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]bool{}, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("could not load staging list %s: %w", path, err)
	}
	staging := map[string]bool{}
	for _, section := range file.Sections() {
		for _, key := range section.KeyStrings() {
			staging[key] = true
		}
	}
	return staging, nil
}
