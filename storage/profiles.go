package storage

import (
	"fmt"

	"github.com/google/uuid"

	"ztalkd/sshmgr"
)

// SaveProfile persists an SSH connection preset. Passwords are never
// stored; only a key path reference may be.
func (s *Store) SaveProfile(profile sshmgr.Profile) error {
	_, err := s.db.Exec(`
INSERT INTO ssh_profiles (profile_id, name, host, port, username, key_path)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(profile_id) DO UPDATE SET
  name     = excluded.name,
  host     = excluded.host,
  port     = excluded.port,
  username = excluded.username,
  key_path = excluded.key_path;
`,
		profile.ID.String(), profile.Name, profile.Host, profile.Port,
		profile.Username, profile.KeyPath)
	if err != nil {
		return fmt.Errorf("save ssh profile: %w", err)
	}
	return nil
}

// LoadProfiles returns all persisted SSH presets ordered by name.
func (s *Store) LoadProfiles() ([]sshmgr.Profile, error) {
	rows, err := s.db.Query(`
SELECT profile_id, name, host, port, username, key_path
FROM ssh_profiles
ORDER BY name, profile_id;
`)
	if err != nil {
		return nil, fmt.Errorf("query ssh profiles: %w", err)
	}
	defer rows.Close()

	var out []sshmgr.Profile
	for rows.Next() {
		var (
			rawID   string
			profile sshmgr.Profile
		)
		if err := rows.Scan(&rawID, &profile.Name, &profile.Host, &profile.Port, &profile.Username, &profile.KeyPath); err != nil {
			return nil, fmt.Errorf("scan ssh profile: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		profile.ID = id
		out = append(out, profile)
	}
	return out, rows.Err()
}

// DeleteProfile removes a persisted SSH preset.
func (s *Store) DeleteProfile(id uuid.UUID) error {
	if _, err := s.db.Exec(`DELETE FROM ssh_profiles WHERE profile_id = ?;`, id.String()); err != nil {
		return fmt.Errorf("delete ssh profile: %w", err)
	}
	return nil
}
