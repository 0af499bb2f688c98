package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

// Approver is a human allowed to resolve dashboard approvals.
type Approver struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

func (a Approver) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Account is an approver plus the password used at login.
type Account struct {
	Approver
	Password string
}

// ParseAccounts reads EMAIL:PASSWORD:NAME:ROLES entries separated by
// semicolons, e.g. "ops@example.com:s3cret:Ops:approver".
func ParseAccounts(spec string) ([]Account, error) {
	var accounts []Account
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 4 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed account entry %q", entry)
		}

		accounts = append(accounts, Account{
			Approver: Approver{
				ID:    approverID(parts[0]),
				Email: parts[0],
				Name:  parts[2],
				Roles: strings.Split(parts[3], ","),
			},
			Password: parts[1],
		})
	}
	return accounts, nil
}

func authenticate(accounts []Account, email, password string) (Approver, error) {
	for _, a := range accounts {
		emailMatch := subtle.ConstantTimeCompare([]byte(email), []byte(a.Email)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(a.Password)) == 1
		if emailMatch && passwordMatch {
			return a.Approver, nil
		}
	}
	return Approver{}, ErrInvalidCredentials
}

func approverID(email string) string {
	return strings.ReplaceAll(email, "@", "-")
}
