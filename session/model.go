package session

import "strings"

// Principal is the authenticated user record cached on the device.
type Principal struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	CompanyID    string `json:"companyId,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
	SystemRole   string `json:"systemRole,omitempty"`
	CompanyRole  string `json:"companyRole,omitempty"`
}

// Valid reports whether the required fields (id, name, email) are present.
// A cached record that fails this check must be refetched.
func (p *Principal) Valid() bool {
	return p != nil &&
		strings.TrimSpace(p.ID) != "" &&
		strings.TrimSpace(p.Name) != "" &&
		strings.TrimSpace(p.Email) != ""
}

// Clone returns a copy, or nil for a nil receiver.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
