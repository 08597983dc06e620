package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"credtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var logger = flogging.MustGetLogger("credtrace.certcontract")

// Object types used for composite keys and as 'objectType' for CouchDB queries.
const (
	certificateObjectType = "Certificate"
	ticketObjectType      = "VerificationTicket"
	paymentObjectType     = "Payment"
	dedupObjectType       = "TxDedup"
	configObjectType      = "Config"
)

// Constants for input validation and policy defaults.
const (
	maxStringInputLength = 256
	maxNotesLength       = 1024
	maxReasonLength      = 512
	maxTokenLength       = 128

	defaultDedupWindowHours = 72
	defaultVerificationFee  = 10.0
	defaultFeeCurrency      = "USD"
)

// metaRequestIDKey links a payment record back to the verification ticket that
// initiated it, so settlement transitions can update the ticket's audit status.
const metaRequestIDKey = "requestId"

// CredTraceSmartContract attests university-issued certificates and answers
// payment-gated verification queries against them.
type CredTraceSmartContract struct {
	contractapi.Contract
}

// actorInfo holds commonly needed details about the transaction invoker.
type actorInfo struct {
	fullID string
	alias  string
	mspID  string
}

// Instantiate is called during chaincode instantiation.
func (s *CredTraceSmartContract) Instantiate(ctx contractapi.TransactionContextInterface) {
	logger.Info("CredTraceSmartContract Instantiated/Upgraded")
}

// --- Identity & Role Management Wrappers (Delegating to IdentityManager) ---

func (s *CredTraceSmartContract) RegisterIdentity(ctx contractapi.TransactionContextInterface, targetFullID, shortName, enrollmentID string) error {
	logger.Infof("Chaincode Call: RegisterIdentity for '%s' with alias '%s'", targetFullID, shortName)
	return NewIdentityManager(ctx).RegisterIdentity(targetFullID, shortName, enrollmentID)
}

func (s *CredTraceSmartContract) AssignRoleToIdentity(ctx contractapi.TransactionContextInterface, identityOrAlias, role string) error {
	logger.Infof("Chaincode Call: AssignRole '%s' to '%s'", role, identityOrAlias)
	return NewIdentityManager(ctx).AssignRole(identityOrAlias, role)
}

func (s *CredTraceSmartContract) RemoveRoleFromIdentity(ctx contractapi.TransactionContextInterface, identityOrAlias, role string) error {
	logger.Infof("Chaincode Call: RemoveRole '%s' from '%s'", role, identityOrAlias)
	return NewIdentityManager(ctx).RemoveRole(identityOrAlias, role)
}

func (s *CredTraceSmartContract) MakeIdentityAdmin(ctx contractapi.TransactionContextInterface, identityOrAlias string) error {
	logger.Infof("Chaincode Call: MakeAdmin for '%s'", identityOrAlias)
	return NewIdentityManager(ctx).MakeAdmin(identityOrAlias)
}

func (s *CredTraceSmartContract) RemoveIdentityAdmin(ctx contractapi.TransactionContextInterface, identityOrAlias string) error {
	logger.Infof("Chaincode Call: RemoveAdmin for '%s'", identityOrAlias)
	return NewIdentityManager(ctx).RemoveAdmin(identityOrAlias)
}

// GetIdentityDetails returns the stored IdentityInfo. Admins can inspect anyone;
// other callers only themselves.
func (s *CredTraceSmartContract) GetIdentityDetails(ctx contractapi.TransactionContextInterface, identityOrAlias string) (*model.IdentityInfo, error) {
	logger.Debugf("Chaincode Call: GetIdentityDetails for '%s'", identityOrAlias)
	im := NewIdentityManager(ctx)
	isCallerAdmin, err := im.IsCurrentUserAdmin()
	if err != nil {
		return nil, fmt.Errorf("GetIdentityDetails: failed to check admin status: %w", err)
	}
	if !isCallerAdmin {
		callerFullID, err := im.GetCurrentIdentityFullID()
		if err != nil {
			return nil, fmt.Errorf("GetIdentityDetails: failed to get caller's FullID: %w", err)
		}
		targetFullID, err := im.ResolveIdentity(identityOrAlias)
		if err != nil {
			return nil, fmt.Errorf("GetIdentityDetails: failed to resolve target identity '%s': %w", identityOrAlias, err)
		}
		if callerFullID != targetFullID {
			return nil, errf(KindUnauthorized, "only admins or the identity owner can get these details")
		}
	}
	return im.GetIdentityInfo(identityOrAlias)
}

func (s *CredTraceSmartContract) GetAllIdentities(ctx contractapi.TransactionContextInterface) ([]model.IdentityInfo, error) {
	logger.Debug("Chaincode Call: GetAllIdentities")
	return NewIdentityManager(ctx).GetAllRegisteredIdentities()
}

// GetAllAliases returns every registered alias. Public: employers need to
// discover university aliases before submitting verification requests.
func (s *CredTraceSmartContract) GetAllAliases(ctx contractapi.TransactionContextInterface) ([]string, error) {
	logger.Debug("Chaincode Call: GetAllAliases (public access)")

	resultsIterator, err := ctx.GetStub().GetStateByPartialCompositeKey(identityObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("GetAllAliases: failed to get identities iterator: %w", err)
	}
	defer resultsIterator.Close()

	aliases := []string{}
	aliasSet := make(map[string]bool)

	for resultsIterator.HasNext() {
		queryResponse, iterErr := resultsIterator.Next()
		if iterErr != nil {
			logger.Warningf("GetAllAliases: Failed to get next identity from iterator: %v. Skipping.", iterErr)
			continue
		}
		var idInfo model.IdentityInfo
		if err := json.Unmarshal(queryResponse.Value, &idInfo); err != nil {
			logger.Warningf("GetAllAliases: Failed to unmarshal identity data for key '%s': %v. Skipping.", queryResponse.Key, err)
			continue
		}
		if idInfo.ShortName != "" && !aliasSet[idInfo.ShortName] {
			aliases = append(aliases, idInfo.ShortName)
			aliasSet[idInfo.ShortName] = true
		}
	}

	logger.Infof("GetAllAliases: Returning %d unique aliases", len(aliases))
	return aliases, nil
}

// GetAliasesByRole returns aliases holding a specific role. Public.
func (s *CredTraceSmartContract) GetAliasesByRole(ctx contractapi.TransactionContextInterface, roleFilter string) ([]string, error) {
	logger.Debugf("Chaincode Call: GetAliasesByRole for role '%s' (public access)", roleFilter)

	roleFilterLower := strings.ToLower(strings.TrimSpace(roleFilter))
	if roleFilterLower == "" {
		return nil, errors.New("roleFilter cannot be empty")
	}
	if roleFilterLower != "admin" && !ValidRoles[roleFilterLower] {
		return nil, fmt.Errorf("invalid role filter '%s'. Valid roles: university, employer, settlement, auditor, admin", roleFilter)
	}

	resultsIterator, err := ctx.GetStub().GetStateByPartialCompositeKey(identityObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("GetAliasesByRole: failed to get identities iterator: %w", err)
	}
	defer resultsIterator.Close()

	aliases := []string{}
	aliasSet := make(map[string]bool)

	for resultsIterator.HasNext() {
		queryResponse, iterErr := resultsIterator.Next()
		if iterErr != nil {
			logger.Warningf("GetAliasesByRole: Failed to get next identity from iterator: %v. Skipping.", iterErr)
			continue
		}
		var idInfo model.IdentityInfo
		if err := json.Unmarshal(queryResponse.Value, &idInfo); err != nil {
			logger.Warningf("GetAliasesByRole: Failed to unmarshal identity data for key '%s': %v. Skipping.", queryResponse.Key, err)
			continue
		}

		hasRequestedRole := false
		if roleFilterLower == "admin" {
			hasRequestedRole = idInfo.IsAdmin
		} else {
			for _, role := range idInfo.Roles {
				if strings.ToLower(role) == roleFilterLower {
					hasRequestedRole = true
					break
				}
			}
		}

		if hasRequestedRole && idInfo.ShortName != "" && !aliasSet[idInfo.ShortName] {
			aliases = append(aliases, idInfo.ShortName)
			aliasSet[idInfo.ShortName] = true
		}
	}

	logger.Infof("GetAliasesByRole: Returning %d unique aliases for role '%s'", len(aliases), roleFilter)
	return aliases, nil
}

// --- Admin: Bootstrap & Policy Configuration ---

// BootstrapLedger registers the calling identity as the first admin. Refuses to
// run once any admin exists.
func (s *CredTraceSmartContract) BootstrapLedger(ctx contractapi.TransactionContextInterface) error {
	logger.Info("Attempting to bootstrap ledger with initial admin...")
	im := NewIdentityManager(ctx)

	anyAdminAlreadyExists, err := im.AnyAdminExists()
	if err != nil {
		return fmt.Errorf("BootstrapLedger: failed to check if any admin exists: %w", err)
	}
	if anyAdminAlreadyExists {
		msg := "system already has admins or is bootstrapped. BootstrapLedger should not be re-run."
		logger.Info(msg)
		return errors.New(msg)
	}

	caller, err := s.getCurrentActorInfo(ctx)
	if err != nil {
		return fmt.Errorf("BootstrapLedger: failed to get caller identity for bootstrap: %w", err)
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("BootstrapLedger: failed to get transaction timestamp: %w", err)
	}

	bootstrapAdminInfo := model.IdentityInfo{
		ObjectType:      identityObjectType,
		FullID:          caller.fullID,
		ShortName:       caller.alias,
		EnrollmentID:    caller.alias,
		OrganizationMSP: caller.mspID,
		Roles:           []string{},
		IsAdmin:         true,
		RegisteredBy:    caller.fullID,
		RegisteredAt:    now,
		LastUpdatedAt:   now,
	}
	identityKey, keyErr := im.createIdentityCompositeKey(caller.fullID)
	if keyErr != nil {
		return fmt.Errorf("BootstrapLedger: failed to create identity key for bootstrap admin '%s': %w", caller.fullID, keyErr)
	}
	infoBytes, marshalErr := json.Marshal(bootstrapAdminInfo)
	if marshalErr != nil {
		return fmt.Errorf("BootstrapLedger: failed to marshal bootstrap admin IdentityInfo: %w", marshalErr)
	}
	if err := ctx.GetStub().PutState(identityKey, infoBytes); err != nil {
		return fmt.Errorf("BootstrapLedger: failed to save bootstrap admin IdentityInfo for '%s': %w", caller.fullID, err)
	}

	aliasKey, aliasKeyErr := im.createAliasCompositeKey(caller.alias)
	if aliasKeyErr != nil {
		return fmt.Errorf("BootstrapLedger: failed to create alias key for bootstrap admin '%s': %w", caller.alias, aliasKeyErr)
	}
	if err := ctx.GetStub().PutState(aliasKey, []byte(caller.fullID)); err != nil {
		return fmt.Errorf("BootstrapLedger: failed to save alias mapping for bootstrap admin: %w", err)
	}

	adminFlagKey, flagKeyErr := im.createAdminFlagCompositeKey(caller.fullID)
	if flagKeyErr != nil {
		return fmt.Errorf("BootstrapLedger: failed to create admin flag key for '%s': %w", caller.fullID, flagKeyErr)
	}
	if err := ctx.GetStub().PutState(adminFlagKey, []byte("true")); err != nil {
		return fmt.Errorf("BootstrapLedger: failed to save admin flag for '%s': %w", caller.fullID, err)
	}

	logger.Infof("BootstrapLedger: '%s' (alias: '%s') registered as first admin.", caller.fullID, caller.alias)
	return nil
}

// SetDedupWindowHours sets the retention window for idempotency-token dedup
// records. Admin only.
func (s *CredTraceSmartContract) SetDedupWindowHours(ctx contractapi.TransactionContextInterface, hoursStr string) error {
	im := NewIdentityManager(ctx)
	if err := s.requireAdmin(ctx, im); err != nil {
		return err
	}
	hours, err := parsePositiveInt(hoursStr, "dedupWindowHours")
	if err != nil {
		return err
	}

	cfg, err := s.loadLedgerConfig(ctx)
	if err != nil {
		return fmt.Errorf("SetDedupWindowHours: %w", err)
	}
	cfg.DedupWindowHours = hours
	if err := s.saveLedgerConfig(ctx, cfg); err != nil {
		return fmt.Errorf("SetDedupWindowHours: %w", err)
	}
	logger.Infof("Dedup window set to %d hours by '%s'", hours, MustGetCallerFullID(ctx))
	return nil
}

// SetVerificationFee sets the fee a verification payment must meet or exceed.
// Admin only. Amounts are never silently adjusted to the fee; requests below it
// are rejected at initiation.
func (s *CredTraceSmartContract) SetVerificationFee(ctx contractapi.TransactionContextInterface, amountStr, currency string) error {
	im := NewIdentityManager(ctx)
	if err := s.requireAdmin(ctx, im); err != nil {
		return err
	}
	amount, err := parsePositiveFloat(amountStr, "verificationFee")
	if err != nil {
		return err
	}
	if err := s.validateRequiredString(currency, "currency", 8); err != nil {
		return err
	}

	cfg, err := s.loadLedgerConfig(ctx)
	if err != nil {
		return fmt.Errorf("SetVerificationFee: %w", err)
	}
	cfg.VerificationFee = amount
	cfg.FeeCurrency = strings.ToUpper(strings.TrimSpace(currency))
	if err := s.saveLedgerConfig(ctx, cfg); err != nil {
		return fmt.Errorf("SetVerificationFee: %w", err)
	}
	logger.Infof("Verification fee set to %.2f %s by '%s'", amount, cfg.FeeCurrency, MustGetCallerFullID(ctx))
	return nil
}

// GetLedgerConfig returns the active policy configuration (defaults applied).
func (s *CredTraceSmartContract) GetLedgerConfig(ctx contractapi.TransactionContextInterface) (*model.LedgerConfig, error) {
	return s.loadLedgerConfig(ctx)
}

// dedupWindow returns the active dedup retention window as a duration.
func (s *CredTraceSmartContract) dedupWindow(ctx contractapi.TransactionContextInterface) (time.Duration, error) {
	cfg, err := s.loadLedgerConfig(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(cfg.DedupWindowHours) * time.Hour, nil
}
