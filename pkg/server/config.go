package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/confab-io/confab/pkg/store"
	"gopkg.in/yaml.v3"
)

// UserYAML represents a user entry in the YAML seed file. Password is
// only read on import; exports never include credential material.
type UserYAML struct {
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
}

// UsersConfig is the top-level YAML config for seeding users.
type UsersConfig struct {
	Users []UserYAML `yaml:"users"`
}

// LoadUsersFromYAML reads a users YAML file and creates missing users in
// the credential store.
func LoadUsersFromYAML(path string, st store.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read users config: %w", err)
	}
	return ImportUsersFromYAML(data, st)
}

// ImportUsersFromYAML parses YAML data and creates missing users in the
// credential store. Existing usernames keep their stored password.
func ImportUsersFromYAML(data []byte, st store.DataStore) error {
	var cfg UsersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse users config: %w", err)
	}

	created := 0
	for _, u := range cfg.Users {
		existing, err := st.GetUserByUsername(u.Username)
		if err != nil {
			return fmt.Errorf("check user %q: %w", u.Username, err)
		}
		if existing != nil {
			continue
		}
		if _, err := st.CreateUser(u.Username, u.Password); err != nil {
			slog.Error("failed to create user from config", "user", u.Username, "err", err)
			continue
		}
		created++
	}

	slog.Info("imported users from YAML", "count", created, "total", len(cfg.Users))
	return nil
}

// ExportUsersYAML exports all usernames as YAML. Password hashes stay in
// the store.
func ExportUsersYAML(st store.DataStore) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersConfig{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{Username: u.Username})
	}
	return yaml.Marshal(&export)
}
