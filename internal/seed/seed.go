// Package seed holds the bundled default user directory fed into seed
// reconciliation at startup.
package seed

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"campuslibrary/internal/models"
)

//go:embed users.jsonc
var defaultUsers []byte

// Default returns the embedded dataset.
func Default() (models.UsersByRole, error) {
	return Parse(defaultUsers)
}

// ReadFile loads a dataset from disk, or the embedded one when path is empty.
func ReadFile(path string) (models.UsersByRole, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse strips JSONC comments and trailing commas, then decodes a
// usersByRole mapping. Each user's role is taken from its partition and
// departments are dropped for non-students. Partitions must be named after
// a known role so minted ids never share a prefix.
func Parse(data []byte) (models.UsersByRole, error) {
	var users models.UsersByRole
	if err := json.Unmarshal(jsonc.ToJSON(data), &users); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	for role, partition := range users {
		if !role.Valid() {
			return nil, fmt.Errorf("parsing seed: unknown role %q", role)
		}
		for i := range partition {
			u := &partition[i]
			if strings.TrimSpace(u.Email) == "" {
				return nil, fmt.Errorf("parsing seed: %s user %d has no email", role, i)
			}
			u.Role = role
			if role != models.UserRoleStudent {
				u.Department = ""
			}
		}
	}
	return users, nil
}
