package contract

import (
	"strings"
	"testing"
)

func TestBootstrapLedgerRefusesReRun(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)

	err := sc.BootstrapLedger(newTestContext(stub, universityID))
	if err == nil || !strings.Contains(err.Error(), "already has admins") {
		t.Errorf("expected re-run rejection, got %v", err)
	}
}

func TestAssignRoleValidation(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	adminCtx := newTestContext(stub, adminID)

	if err := sc.AssignRoleToIdentity(adminCtx, "metro-uni", "janitor"); KindOf(err) != KindValidationFailed {
		t.Errorf("expected VALIDATION_FAILED for unknown role, got %v", err)
	}
	if err := sc.AssignRoleToIdentity(newTestContext(stub, employerID), "metro-uni", "auditor"); KindOf(err) != KindUnauthorized {
		t.Errorf("expected UNAUTHORIZED for non-admin caller, got %v", err)
	}

	// Re-assigning an already held role is a no-op.
	if err := sc.AssignRoleToIdentity(adminCtx, "metro-uni", "university"); err != nil {
		t.Errorf("expected idempotent re-assignment, got %v", err)
	}
}

func TestRemoveRoleRevokesAccess(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	adminCtx := newTestContext(stub, adminID)

	if err := sc.RemoveRoleFromIdentity(adminCtx, "metro-uni", "university"); err != nil {
		t.Fatalf("RemoveRole failed: %v", err)
	}
	_, err := sc.AttestCertificate(newTestContext(stub, universityID), sampleSubmissionJSON, "tok-idm-1")
	if KindOf(err) != KindUnauthorized {
		t.Errorf("expected UNAUTHORIZED after role removal, got %v", err)
	}
}

func TestAdminLifecycle(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	adminCtx := newTestContext(stub, adminID)

	if err := sc.MakeIdentityAdmin(adminCtx, "gov-audit"); err != nil {
		t.Fatalf("MakeAdmin failed: %v", err)
	}
	isAdmin, err := NewIdentityManager(adminCtx).IsAdmin(auditorID)
	if err != nil || !isAdmin {
		t.Fatalf("expected auditor to be admin, got %v (err %v)", isAdmin, err)
	}

	// Admins cannot strip their own privileges.
	err = sc.RemoveIdentityAdmin(adminCtx, "admin-user")
	if err == nil || !strings.Contains(err.Error(), "own admin status") {
		t.Errorf("expected self-removal rejection, got %v", err)
	}

	if err := sc.RemoveIdentityAdmin(adminCtx, "gov-audit"); err != nil {
		t.Fatalf("RemoveAdmin failed: %v", err)
	}
	isAdmin, err = NewIdentityManager(adminCtx).IsAdmin(auditorID)
	if err != nil || isAdmin {
		t.Errorf("expected admin status revoked, got %v (err %v)", isAdmin, err)
	}
}

func TestGetIdentityDetailsAccessControl(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)

	// Owners can read themselves, admins can read anyone, others are rejected.
	info, err := sc.GetIdentityDetails(newTestContext(stub, universityID), "metro-uni")
	if err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if info.FullID != universityID || len(info.Roles) != 1 || info.Roles[0] != "university" {
		t.Errorf("unexpected identity info: %+v", info)
	}

	if _, err := sc.GetIdentityDetails(newTestContext(stub, adminID), "metro-uni"); err != nil {
		t.Errorf("admin lookup failed: %v", err)
	}
	if _, err := sc.GetIdentityDetails(newTestContext(stub, employerID), "metro-uni"); KindOf(err) != KindUnauthorized {
		t.Errorf("expected UNAUTHORIZED for third-party lookup, got %v", err)
	}
}

func TestGetAliasesByRole(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	ctx := newTestContext(stub, outsiderID)

	aliases, err := sc.GetAliasesByRole(ctx, "university")
	if err != nil {
		t.Fatalf("GetAliasesByRole failed: %v", err)
	}
	if len(aliases) != 1 || aliases[0] != "metro-uni" {
		t.Errorf("expected [metro-uni], got %v", aliases)
	}

	if _, err := sc.GetAliasesByRole(ctx, "janitor"); err == nil {
		t.Error("expected invalid role filter to be rejected")
	}

	all, err := sc.GetAllAliases(ctx)
	if err != nil {
		t.Fatalf("GetAllAliases failed: %v", err)
	}
	// Five registered fixtures plus the bootstrap admin.
	if len(all) != 6 {
		t.Errorf("expected 6 registered aliases, got %d: %v", len(all), all)
	}
}
