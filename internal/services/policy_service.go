package services

import (
	"fmt"

	"github.com/casbin/casbin/v2"

	"github.com/you/crewsync/domain"
)

// DefaultRolePolicies are the feature permissions seeded when the policy
// store is empty.
var DefaultRolePolicies = [][]string{
	{"admin", "company-settings", "write"},
	{"admin", "employees", "invite"},
	{"admin", "employees", "write"},
	{"admin", "employees", "read"},
	{"admin", "departments", "write"},
	{"admin", "orders", "*"},
	{"dispatcher", "orders", "assign"},
	{"dispatcher", "orders", "write"},
	{"dispatcher", "orders", "read"},
	{"dispatcher", "employees", "read"},
	{"worker", "orders", "read"},
	{"worker", "notification-preferences", "write"},
}

// CasbinEnforcerWrapper wraps the real Casbin enforcer to implement our interface
type CasbinEnforcerWrapper struct {
	enforcer *casbin.Enforcer
}

// NewCasbinEnforcerWrapper creates a wrapper for the real Casbin enforcer
func NewCasbinEnforcerWrapper(enforcer *casbin.Enforcer) domain.CasbinEnforcer {
	return &CasbinEnforcerWrapper{enforcer: enforcer}
}

func (w *CasbinEnforcerWrapper) AddPolicy(params ...interface{}) (bool, error) {
	return w.enforcer.AddPolicy(params...)
}

func (w *CasbinEnforcerWrapper) RemovePolicy(params ...interface{}) (bool, error) {
	return w.enforcer.RemovePolicy(params...)
}

func (w *CasbinEnforcerWrapper) Enforce(rvals ...interface{}) (bool, error) {
	return w.enforcer.Enforce(rvals...)
}

func (w *CasbinEnforcerWrapper) GetPolicy() ([][]string, error) {
	return w.enforcer.GetPolicy()
}

func (w *CasbinEnforcerWrapper) SavePolicy() error {
	return w.enforcer.SavePolicy()
}

// PolicyServiceImpl implements domain.PolicyService using Casbin
type PolicyServiceImpl struct {
	enforcer domain.CasbinEnforcer
}

// NewPolicyService creates a new policy service
func NewPolicyService(enforcer *casbin.Enforcer) domain.PolicyService {
	return &PolicyServiceImpl{
		enforcer: NewCasbinEnforcerWrapper(enforcer),
	}
}

// NewPolicyServiceWithEnforcer creates a new policy service with a CasbinEnforcer interface (for testing)
func NewPolicyServiceWithEnforcer(enforcer domain.CasbinEnforcer) domain.PolicyService {
	return &PolicyServiceImpl{
		enforcer: enforcer,
	}
}

// AddPolicy implements domain.PolicyService
func (p *PolicyServiceImpl) AddPolicy(role, resource, action string) error {
	_, err := p.enforcer.AddPolicy(string(domain.NormalizeRole(role)), resource, action)
	if err != nil {
		return err
	}
	return p.enforcer.SavePolicy()
}

// RemovePolicy implements domain.PolicyService
func (p *PolicyServiceImpl) RemovePolicy(role, resource, action string) error {
	_, err := p.enforcer.RemovePolicy(string(domain.NormalizeRole(role)), resource, action)
	if err != nil {
		return err
	}
	return p.enforcer.SavePolicy()
}

// CheckPermission implements domain.PolicyService. Unknown roles are checked
// as worker, matching profile normalization.
func (p *PolicyServiceImpl) CheckPermission(role, resource, action string) (bool, error) {
	return p.enforcer.Enforce(string(domain.NormalizeRole(role)), resource, action)
}

// GetPolicies implements domain.PolicyService
func (p *PolicyServiceImpl) GetPolicies() [][]string {
	policies, _ := p.enforcer.GetPolicy()
	return policies
}

// SeedDefaultPolicies adds DefaultRolePolicies when no policy exists yet.
// It reports whether anything was written.
func SeedDefaultPolicies(svc domain.PolicyService) (bool, error) {
	if len(svc.GetPolicies()) > 0 {
		return false, nil
	}
	for _, rule := range DefaultRolePolicies {
		if err := svc.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
			return false, fmt.Errorf("seed policy %v: %w", rule, err)
		}
	}
	return true, nil
}
