package blacklist

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// seedFile is the on-disk blacklist shape, used when running without
// PostgreSQL. Entries with no severity default to HIGH.
type seedFile struct {
	Entries []models.BlacklistEntry `json:"entries"`
}

// LoadEntries reads a JSON seed file of blacklist entries.
func LoadEntries(path string) ([]models.BlacklistEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file seedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i := range file.Entries {
		if file.Entries[i].Address == "" {
			return nil, fmt.Errorf("parsing %s: entry %d has no address", path, i)
		}
		file.Entries[i].Address = models.NormalizeAddress(file.Entries[i].Address)
		if file.Entries[i].Severity.Rank() == 0 {
			file.Entries[i].Severity = models.RiskHigh
		}
		file.Entries[i].Active = true
	}
	return file.Entries, nil
}
