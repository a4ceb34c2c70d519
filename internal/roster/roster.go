// Package roster loads the participant directory: which supervisors receive
// the daily report flow, and which recipient gets admin alerts.
package roster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// Roles recognized in users.json. Matching is accent-insensitive, so
// "Administrador" and "administrador" both resolve the admin recipient.
const (
	roleSupervisor = "supervisor"
	roleAdmin      = "administrador"
)

// User is one entry of the users.json directory.
type User struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Process string `json:"process"`
	Role    string `json:"role"`
}

// Roster is the loaded participant directory.
type Roster struct {
	users []User
}

// rosterFile is the on-disk shape of users.json.
type rosterFile struct {
	Users []User `json:"users"`
}

// New creates a roster from an explicit user list.
func New(users []User) *Roster {
	return &Roster{users: append([]User(nil), users...)}
}

// Load reads the users.json directory from disk.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Roster Load read failed", "error", err, "path", path)
		return nil, fmt.Errorf("failed to read roster %s: %w", path, err)
	}
	var file rosterFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Error("Roster Load decode failed", "error", err, "path", path)
		return nil, fmt.Errorf("failed to decode roster %s: %w", path, err)
	}
	slog.Info("Roster loaded", "path", path, "users", len(file.Users))
	return New(file.Users), nil
}

// Supervisors returns every user with the supervisor role, in file order.
func (r *Roster) Supervisors() []User {
	var out []User
	for _, u := range r.users {
		if normalizeRole(u.Role) == roleSupervisor {
			out = append(out, u)
		}
	}
	return out
}

// AdminPhone returns the phone of the first user with the admin role, or ""
// when no admin is configured.
func (r *Roster) AdminPhone() string {
	for _, u := range r.users {
		if normalizeRole(u.Role) == roleAdmin {
			return u.Phone
		}
	}
	return ""
}

// NameFor returns the display name for a phone number, or "" when unknown.
func (r *Roster) NameFor(phone string) string {
	for _, u := range r.users {
		if u.Phone == phone {
			return u.Name
		}
	}
	return ""
}

// ProcessFor returns the process assigned to a phone number.
func (r *Roster) ProcessFor(phone string) models.Process {
	for _, u := range r.users {
		if u.Phone == phone {
			return models.Process(u.Process)
		}
	}
	return ""
}

// normalizeRole lowercases and strips accents so role values typed by hand
// ("Administrador", "administrador") compare equal.
func normalizeRole(role string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, role)
	if err != nil {
		folded = role
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
