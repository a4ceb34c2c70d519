package roster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

func testUsers() []User {
	return []User{
		{Name: "Carlos", Phone: "573001112233", Process: "COSTURA", Role: "Supervisor"},
		{Name: "María", Phone: "573004445566", Process: "CUERDAS", Role: "supervisor"},
		{Name: "Andrés", Phone: "573000000000", Role: "Administrador"},
		{Name: "Pedro", Phone: "573007778899", Role: "operario"},
	}
}

func TestRosterSupervisors(t *testing.T) {
	r := New(testUsers())

	supervisors := r.Supervisors()
	if len(supervisors) != 2 {
		t.Fatalf("expected 2 supervisors, got %d", len(supervisors))
	}
	if supervisors[0].Name != "Carlos" || supervisors[1].Name != "María" {
		t.Errorf("unexpected supervisor order %+v", supervisors)
	}
}

func TestRosterAdminPhoneAccentInsensitive(t *testing.T) {
	cases := []string{"Administrador", "administrador", "ADMINISTRADOR", "Administradór"}
	for _, role := range cases {
		r := New([]User{{Name: "Andrés", Phone: "573000000000", Role: role}})
		if got := r.AdminPhone(); got != "573000000000" {
			t.Errorf("role %q: AdminPhone = %q, want admin phone", role, got)
		}
	}

	r := New([]User{{Name: "Pedro", Phone: "573007778899", Role: "operario"}})
	if got := r.AdminPhone(); got != "" {
		t.Errorf("AdminPhone = %q for roster without admin, want empty", got)
	}
}

func TestRosterLookups(t *testing.T) {
	r := New(testUsers())

	if got := r.NameFor("573004445566"); got != "María" {
		t.Errorf("NameFor = %q, want María", got)
	}
	if got := r.NameFor("570000000001"); got != "" {
		t.Errorf("NameFor unknown = %q, want empty", got)
	}
	if got := r.ProcessFor("573001112233"); got != models.Process("COSTURA") {
		t.Errorf("ProcessFor = %q, want COSTURA", got)
	}
}

func TestRosterLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	content := `{
  "users": [
    {"name": "Carlos", "phone": "573001112233", "process": "COSTURA", "role": "supervisor"},
    {"name": "Andrés", "phone": "573000000000", "role": "Administrador"}
  ]
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing roster file failed: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(r.Supervisors()) != 1 {
		t.Errorf("expected 1 supervisor, got %d", len(r.Supervisors()))
	}
	if r.AdminPhone() != "573000000000" {
		t.Errorf("AdminPhone = %q", r.AdminPhone())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load of missing file should fail")
	}
}
