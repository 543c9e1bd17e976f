package permission

import (
	"errors"
	"strings"
	"sync"
)

// Company-level roles known to the company-management API.
const (
	CompanyOwner     = "OWNER"
	CompanyAdmin     = "ADMIN"
	CompanyHRManager = "HR_MANAGER"
	CompanyManager   = "MANAGER"
	CompanyEmployee  = "EMPLOYEE"
)

// System-level roles known to the auth service.
const (
	SystemAdmin = "SYSTEM_ADMIN"
	SystemUser  = "USER"
)

const maxRoles = 64

// Registry maps role names to bit positions within a [Mask64].
// Names are normalized to upper case before lookup.
type Registry struct {
	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry creates a registry and registers names in order. The first
// name gets bit 0.
func NewRegistry(names ...string) (*Registry, error) {
	r := &Registry{
		nameToBit: make(map[string]int),
		bitToName: make(map[int]string),
	}
	for _, name := range names {
		if _, err := r.Register(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultCompanyRoles returns a frozen registry of the company roles above.
func DefaultCompanyRoles() *Registry {
	r, err := NewRegistry(CompanyOwner, CompanyAdmin, CompanyHRManager, CompanyManager, CompanyEmployee)
	if err != nil {
		panic("permission: default company roles: " + err.Error())
	}
	r.Freeze()
	return r
}

// DefaultSystemRoles returns a frozen registry of the system roles above.
func DefaultSystemRoles() *Registry {
	r, err := NewRegistry(SystemAdmin, SystemUser)
	if err != nil {
		panic("permission: default system roles: " + err.Error())
	}
	r.Freeze()
	return r
}

// Register assigns the next available bit to the named role.
// Must be called before [Registry.Freeze].
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, errors.New("registry frozen")
	}

	name = normalizeRole(name)
	if name == "" {
		return -1, errors.New("role name cannot be empty")
	}

	if _, exists := r.nameToBit[name]; exists {
		return -1, errors.New("role already registered")
	}

	nextBit := len(r.nameToBit)
	if nextBit >= maxRoles {
		return -1, errors.New("role limit exceeded")
	}

	r.nameToBit[name] = nextBit
	r.bitToName[nextBit] = name

	return nextBit, nil
}

// Bit returns the bit index for the named role, or false if not registered.
func (r *Registry) Bit(name string) (int, bool) {
	if r == nil {
		return -1, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[normalizeRole(name)]
	return bit, ok
}

// Name returns the role name for the given bit index, or false if unassigned.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered roles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}

// Mask resolves role names into a mask. Unknown names are an error so that
// a typo in static route configuration fails at startup, not at render time.
func (r *Registry) Mask(names []string) (Mask64, error) {
	var mask Mask64
	for _, name := range names {
		bit, ok := r.Bit(name)
		if !ok {
			return 0, errors.New("role not registered: " + name)
		}
		mask.Set(bit)
	}
	return mask, nil
}

func normalizeRole(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
