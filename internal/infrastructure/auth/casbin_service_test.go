package auth

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/you/crewsync/internal/services"
)

func setupPolicyDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "policy.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	return db
}

func TestCasbinService_EnforcesSeededPolicies(t *testing.T) {
	db := setupPolicyDB(t)
	svc, err := NewCasbinService(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	policies := services.NewPolicyService(svc.E)

	seeded, err := services.SeedDefaultPolicies(policies)
	if err != nil || !seeded {
		t.Fatalf("expected seeding, got %v %v", seeded, err)
	}

	tests := []struct {
		role, resource, action string
		allowed                bool
	}{
		{"admin", "orders", "delete", true},
		{"admin", "company-settings", "write", true},
		{"dispatcher", "orders", "assign", true},
		{"dispatcher", "company-settings", "write", false},
		{"worker", "orders", "read", true},
		{"worker", "orders", "assign", false},
		{"superuser", "orders", "read", true},
		{"superuser", "orders", "assign", false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.resource+"/"+tt.action, func(t *testing.T) {
			ok, err := policies.CheckPermission(tt.role, tt.resource, tt.action)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.allowed {
				t.Errorf("expected %v, got %v", tt.allowed, ok)
			}
		})
	}
}

func TestCasbinService_PoliciesSurviveReload(t *testing.T) {
	db := setupPolicyDB(t)
	first, err := NewCasbinService(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := services.NewPolicyService(first.E).AddPolicy("worker", "timesheets", "write"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := NewCasbinService(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	policies := services.NewPolicyService(second.E)
	ok, err := policies.CheckPermission("worker", "timesheets", "write")
	if err != nil || !ok {
		t.Errorf("expected reloaded policy to allow, got %v %v", ok, err)
	}

	seeded, err := services.SeedDefaultPolicies(policies)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seeded {
		t.Error("expected no seeding when policies exist")
	}
}
