package permission

import (
	"errors"
	"sort"
	"strings"
)

// Mode selects how company and system memberships combine when a
// requirement names both.
type Mode uint8

const (
	// MatchAny grants access when either membership holds.
	MatchAny Mode = iota
	// MatchAll grants access only when both memberships hold.
	MatchAll
)

func (m Mode) String() string {
	switch m {
	case MatchAll:
		return "all"
	default:
		return "any"
	}
}

// DefaultRedirect is used when a requirement names no redirect target.
const DefaultRedirect = "/"

// Requirement is the declarative authorization predicate attached to a route.
// The zero value grants access to any authenticated principal.
type Requirement struct {
	CompanyRoles []string
	SystemRoles  []string
	RedirectTo   string
	Mode         Mode
}

// Empty reports whether the requirement names no roles at all.
func (r Requirement) Empty() bool {
	return len(r.CompanyRoles) == 0 && len(r.SystemRoles) == 0
}

// Compile resolves role names against the registries.
func (r Requirement) Compile(company, system *Registry) (Rule, error) {
	if company == nil || system == nil {
		return Rule{}, errors.New("nil role registry")
	}
	if r.Mode != MatchAny && r.Mode != MatchAll {
		return Rule{}, errors.New("invalid match mode")
	}

	companyMask, err := company.Mask(r.CompanyRoles)
	if err != nil {
		return Rule{}, err
	}
	systemMask, err := system.Mask(r.SystemRoles)
	if err != nil {
		return Rule{}, err
	}

	redirect := strings.TrimSpace(r.RedirectTo)
	if redirect == "" {
		redirect = DefaultRedirect
	}

	return Rule{
		company:     companyMask,
		system:      systemMask,
		companyRegs: company,
		systemRegs:  system,
		mode:        r.Mode,
		redirectTo:  redirect,
		key:         requirementKey(r, redirect),
	}, nil
}

// Rule is a compiled [Requirement]. Rules are immutable and safe for
// concurrent use.
type Rule struct {
	company     Mask64
	system      Mask64
	companyRegs *Registry
	systemRegs  *Registry
	mode        Mode
	redirectTo  string
	key         string
}

// Empty reports whether the rule grants every authenticated principal.
func (r Rule) Empty() bool {
	return r.company.Empty() && r.system.Empty()
}

// RedirectTo is where a principal lacking the role is sent.
func (r Rule) RedirectTo() string {
	if r.redirectTo == "" {
		return DefaultRedirect
	}
	return r.redirectTo
}

// Key is a canonical identity for the rule, stable across role ordering.
func (r Rule) Key() string {
	return r.key
}

// Allows evaluates the rule for a principal's role claims. An empty claim
// never matches. When only one role set is non-empty, that set decides;
// when both are non-empty, Mode combines them.
func (r Rule) Allows(companyRole, systemRole string) bool {
	if r.Empty() {
		return true
	}

	companyMember := member(r.company, r.companyRegs, companyRole)
	systemMember := member(r.system, r.systemRegs, systemRole)

	switch {
	case !r.company.Empty() && !r.system.Empty():
		if r.mode == MatchAll {
			return companyMember && systemMember
		}
		return companyMember || systemMember
	case !r.company.Empty():
		return companyMember
	default:
		return systemMember
	}
}

func member(mask Mask64, reg *Registry, role string) bool {
	if mask.Empty() || strings.TrimSpace(role) == "" {
		return false
	}
	bit, ok := reg.Bit(role)
	if !ok {
		return false
	}
	return mask.Has(bit)
}

func requirementKey(r Requirement, redirect string) string {
	company := sortedRoles(r.CompanyRoles)
	system := sortedRoles(r.SystemRoles)
	return "c=" + strings.Join(company, ",") +
		";s=" + strings.Join(system, ",") +
		";m=" + r.Mode.String() +
		";r=" + redirect
}

func sortedRoles(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		n := normalizeRole(name)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
