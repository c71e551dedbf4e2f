package server

import (
	"strings"
	"testing"

	"github.com/confab-io/confab/pkg/store"

	"gopkg.in/yaml.v3"
)

func TestImportUsersFromYAML(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	if _, err := st.CreateUser("alice", "original-pass"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	data := []byte(`
users:
  - username: alice
    password: replaced-pass
  - username: bob
    password: bob-pass
`)
	if err := ImportUsersFromYAML(data, st); err != nil {
		t.Fatalf("ImportUsersFromYAML: %v", err)
	}

	// Existing users keep their stored password; the file only fills gaps.
	ok, err := st.Authenticate("alice", "original-pass")
	if err != nil || !ok {
		t.Fatalf("alice kept password: ok=%v err=%v", ok, err)
	}
	if ok, _ := st.Authenticate("alice", "replaced-pass"); ok {
		t.Fatal("import overwrote an existing password")
	}

	ok, err = st.Authenticate("bob", "bob-pass")
	if err != nil || !ok {
		t.Fatalf("bob created from file: ok=%v err=%v", ok, err)
	}
}

func TestImportUsersFromYAMLBadData(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	if err := ImportUsersFromYAML([]byte("users: [not a map"), st); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestExportUsersYAML(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	for _, u := range []string{"alice", "bob"} {
		if _, err := st.CreateUser(u, "secret"); err != nil {
			t.Fatalf("seed user %q: %v", u, err)
		}
	}

	data, err := ExportUsersYAML(st)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}

	// Exports carry usernames only, never credential material.
	if strings.Contains(string(data), "password") {
		t.Fatalf("export leaked credential fields:\n%s", data)
	}

	var cfg UsersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(cfg.Users) != 2 {
		t.Fatalf("exported %d users, want 2", len(cfg.Users))
	}
}
