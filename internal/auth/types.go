package auth

import (
	"slices"
	"strings"
	"time"
)

const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleTechnician = "technician"
)

// User is an account able to log in and act on permits.
type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"usuario"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	Role               string    `json:"rol"`
	Company            string    `json:"empresa,omitempty"`
	OperatorOfRecord   bool      `json:"operadorTitular"`
	Sites              []string  `json:"plantas"`
	MustChangePassword bool      `json:"-"`
	Active             bool      `json:"activo"`
	CreatedAt          time.Time `json:"creadoEn"`
	UpdatedAt          time.Time `json:"actualizadoEn"`
}

// Identity returns the identity carried by session tokens issued for u.
func (u User) Identity() Identity {
	return Identity{
		Subject:          u.ID,
		Email:            u.Email,
		Role:             normalizeRole(u.Role),
		Company:          u.Company,
		Sites:            normalizeSites(u.Sites),
		OperatorOfRecord: u.OperatorOfRecord,
	}
}

// Identity is a verified caller. It is produced only by TokenService.Verify
// or User.Identity and is immutable afterwards.
type Identity struct {
	Subject          string
	Email            string
	Role             string
	Company          string
	Sites            []string
	OperatorOfRecord bool
	IssuedAt         time.Time
	ExpiresAt        time.Time
}

// Unrestricted reports whether the identity may act on every site without
// per-site authorization.
func (i Identity) Unrestricted() bool {
	return i.Role == RoleAdmin || i.OperatorOfRecord
}

// Supervisory reports whether the identity may decide on permit closures.
func (i Identity) Supervisory() bool {
	return i.Role == RoleAdmin || i.Role == RoleSupervisor
}

// AuthorizedFor reports whether the identity may work on site.
func (i Identity) AuthorizedFor(site string) bool {
	if i.Unrestricted() {
		return true
	}
	site = strings.ToUpper(strings.TrimSpace(site))
	return site != "" && slices.Contains(i.Sites, site)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func normalizeSites(sites []string) []string {
	if len(sites) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(sites))
	out := make([]string, 0, len(sites))
	for _, s := range sites {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
