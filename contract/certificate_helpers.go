package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"credtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Core Helper Methods (used across multiple operations) ---

// getCurrentTxTimestamp retrieves the current transaction timestamp from the stub.
func (s *CredTraceSmartContract) getCurrentTxTimestamp(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get transaction timestamp: %w", err)
	}
	return ts.AsTime(), nil
}

func (s *CredTraceSmartContract) getCurrentActorInfo(ctx contractapi.TransactionContextInterface) (*actorInfo, error) {
	im := NewIdentityManager(ctx)
	fullID, err := im.GetCurrentIdentityFullID()
	if err != nil {
		return nil, fmt.Errorf("failed to get current actor's FullID: %w", err)
	}

	var alias string
	idInfo, errGetInfo := im.GetIdentityInfo(fullID)
	if errGetInfo == nil && idInfo != nil {
		alias = idInfo.ShortName
	} else {
		logger.Debugf("Could not retrieve IdentityInfo (or alias) for actor %s: %v. Attempting fallback.", fullID, errGetInfo)
		if strings.Contains(fullID, "::CN=") {
			parts := strings.Split(fullID, "::CN=")
			if len(parts) > 1 {
				cnPart := parts[1]
				if idx := strings.Index(cnPart, "::"); idx != -1 {
					cnPart = cnPart[:idx]
				}
				alias = cnPart
			}
		}
		if alias == "" {
			enrollmentID, enrollErr := im.GetCurrentEnrollmentID()
			if enrollErr == nil && enrollmentID != "" {
				alias = enrollmentID
			} else {
				logger.Warningf("Failed to get EnrollmentID for %s (EnrollErr: %v, GetInfoErr: %v). Using placeholder alias.", fullID, enrollErr, errGetInfo)
				maxAliasLen := 16
				if len(fullID) > maxAliasLen {
					alias = "unknown_" + fullID[:maxAliasLen]
				} else {
					alias = "unknown_" + fullID
				}
			}
		}
	}

	mspID, err := ctx.GetClientIdentity().GetMSPID()
	if err != nil {
		return nil, fmt.Errorf("failed to get current actor's MSPID: %w", err)
	}
	return &actorInfo{fullID: fullID, alias: alias, mspID: mspID}, nil
}

// --- Composite Key Helpers ---

func (s *CredTraceSmartContract) createCertificateKey(ctx contractapi.TransactionContextInterface, certificateNumber string) (string, error) {
	certificateNumber = strings.TrimSpace(certificateNumber)
	if certificateNumber == "" {
		return "", errors.New("certificateNumber cannot be empty")
	}
	return ctx.GetStub().CreateCompositeKey(certificateObjectType, []string{certificateNumber})
}

func (s *CredTraceSmartContract) createTicketKey(ctx contractapi.TransactionContextInterface, requestID string) (string, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", errors.New("requestID cannot be empty")
	}
	return ctx.GetStub().CreateCompositeKey(ticketObjectType, []string{requestID})
}

func (s *CredTraceSmartContract) createPaymentKey(ctx contractapi.TransactionContextInterface, paymentID string) (string, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return "", errors.New("paymentID cannot be empty")
	}
	return ctx.GetStub().CreateCompositeKey(paymentObjectType, []string{paymentID})
}

func (s *CredTraceSmartContract) createDedupKey(ctx contractapi.TransactionContextInterface, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("idempotencyToken cannot be empty")
	}
	return ctx.GetStub().CreateCompositeKey(dedupObjectType, []string{token})
}

func (s *CredTraceSmartContract) createConfigKey(ctx contractapi.TransactionContextInterface) (string, error) {
	return ctx.GetStub().CreateCompositeKey(configObjectType, []string{"ledger"})
}

// --- Validation Helper Functions ---

func (s *CredTraceSmartContract) validateRequiredString(input, field string, max int) error {
	if strings.TrimSpace(input) == "" {
		return errf(KindValidationFailed, "%s cannot be empty", field)
	}
	if len(input) > max {
		return errf(KindValidationFailed, "%s exceeds max length %d", field, max)
	}
	return nil
}

func (s *CredTraceSmartContract) validateOptionalString(input, field string, max int) error {
	if input != "" && len(input) > max {
		return errf(KindValidationFailed, "%s exceeds max length %d", field, max)
	}
	return nil
}

// validateEmail enforces the minimal shape the boundary already checked; the
// core re-validates because it cannot trust the caller.
func (s *CredTraceSmartContract) validateEmail(input, field string) error {
	if err := s.validateRequiredString(input, field, maxStringInputLength); err != nil {
		return err
	}
	at := strings.Index(input, "@")
	if at <= 0 || at == len(input)-1 || !strings.Contains(input[at+1:], ".") {
		return errf(KindValidationFailed, "%s is not a valid email address", field)
	}
	return nil
}

func (s *CredTraceSmartContract) validateHexDigest(input, field string) error {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) != 64 {
		return errf(KindValidationFailed, "%s must be a 64-character hex digest", field)
	}
	for _, c := range trimmed {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return errf(KindValidationFailed, "%s must be a 64-character hex digest", field)
		}
	}
	return nil
}

func parseDateString(str, field string, required bool) (time.Time, error) {
	sTrimmed := strings.TrimSpace(str)
	if sTrimmed == "" {
		if required {
			return time.Time{}, errf(KindValidationFailed, "%s is a required date field and cannot be empty", field)
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, sTrimmed)
	if err != nil {
		// Accept bare dates too; issuance dates commonly arrive without a time part.
		t, err = time.Parse(canonicalDateLayout, sTrimmed)
		if err != nil {
			return time.Time{}, errf(KindValidationFailed, "invalid format for %s (expected RFC3339 or YYYY-MM-DD)", field)
		}
	}
	return t, nil
}

func parsePositiveInt(str, field string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil || v <= 0 {
		return 0, errf(KindValidationFailed, "%s must be a positive integer", field)
	}
	return v, nil
}

func parsePositiveFloat(str, field string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil || v <= 0 {
		return 0, errf(KindValidationFailed, "%s must be a positive number", field)
	}
	return v, nil
}

// --- Inbound Argument Validators ---

// ValidatedDegreeSubmission carries a submission's fields with dates parsed.
type ValidatedDegreeSubmission struct {
	CertificateNumber    string
	StudentID            string
	StudentName          string
	DegreeName           string
	FacultyName          string
	DegreeClassification string
	IssuanceDate         time.Time
	ExpiryDate           time.Time
	Notes                string
}

func (s *CredTraceSmartContract) validateDegreeSubmissionArgs(ctx contractapi.TransactionContextInterface, submissionJSON string) (*ValidatedDegreeSubmission, error) {
	var arg struct {
		CertificateNumber    string `json:"certificateNumber"`
		StudentID            string `json:"studentId"`
		StudentName          string `json:"studentName"`
		DegreeName           string `json:"degreeName"`
		FacultyName          string `json:"facultyName"`
		DegreeClassification string `json:"degreeClassification"`
		IssuanceDateStr      string `json:"issuanceDate"`
		ExpiryDateStr        string `json:"expiryDate"`
		Notes                string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(submissionJSON), &arg); err != nil {
		return nil, errf(KindValidationFailed, "invalid submissionJSON: %v. Ensure the JSON structure and all required fields are correct", err)
	}

	if err := s.validateRequiredString(arg.CertificateNumber, "submission.certificateNumber", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateRequiredString(arg.StudentID, "submission.studentId", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateRequiredString(arg.StudentName, "submission.studentName", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateRequiredString(arg.DegreeName, "submission.degreeName", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateRequiredString(arg.FacultyName, "submission.facultyName", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateOptionalString(arg.DegreeClassification, "submission.degreeClassification", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateOptionalString(arg.Notes, "submission.notes", maxNotesLength); err != nil {
		return nil, err
	}

	issuanceDate, err := parseDateString(arg.IssuanceDateStr, "submission.issuanceDate", true)
	if err != nil {
		return nil, err
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if issuanceDate.After(now) {
		return nil, errf(KindValidationFailed, "submission.issuanceDate cannot be in the future")
	}
	expiryDate, err := parseDateString(arg.ExpiryDateStr, "submission.expiryDate", false)
	if err != nil {
		return nil, err
	}
	if !expiryDate.IsZero() && !expiryDate.After(issuanceDate) {
		return nil, errf(KindValidationFailed, "submission.expiryDate must be after submission.issuanceDate")
	}

	return &ValidatedDegreeSubmission{
		CertificateNumber:    strings.TrimSpace(arg.CertificateNumber),
		StudentID:            strings.TrimSpace(arg.StudentID),
		StudentName:          strings.TrimSpace(arg.StudentName),
		DegreeName:           strings.TrimSpace(arg.DegreeName),
		FacultyName:          strings.TrimSpace(arg.FacultyName),
		DegreeClassification: strings.TrimSpace(arg.DegreeClassification),
		IssuanceDate:         issuanceDate,
		ExpiryDate:           expiryDate,
		Notes:                strings.TrimSpace(arg.Notes),
	}, nil
}

// ValidatedVerificationRequest carries a verification request's fields after checks.
type ValidatedVerificationRequest struct {
	CertificateNumber    string
	VerifierOrganization string
	VerifierEmail        string
	PaymentMethod        string
	PaymentAmount        float64
	ProvidedHash         string
	Notes                string
}

func (s *CredTraceSmartContract) validateVerificationRequestArgs(requestJSON string) (*ValidatedVerificationRequest, error) {
	var arg struct {
		CertificateNumber    string  `json:"certificateNumber"`
		VerifierOrganization string  `json:"verifierOrganization"`
		VerifierEmail        string  `json:"verifierEmail"`
		PaymentMethod        string  `json:"paymentMethod"`
		PaymentAmount        float64 `json:"paymentAmount"`
		ProvidedHash         string  `json:"providedHash"`
		Notes                string  `json:"notes"`
	}
	if err := json.Unmarshal([]byte(requestJSON), &arg); err != nil {
		return nil, errf(KindValidationFailed, "invalid requestJSON: %v", err)
	}

	if err := s.validateRequiredString(arg.CertificateNumber, "request.certificateNumber", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateRequiredString(arg.VerifierOrganization, "request.verifierOrganization", maxStringInputLength); err != nil {
		return nil, err
	}
	if err := s.validateEmail(arg.VerifierEmail, "request.verifierEmail"); err != nil {
		return nil, err
	}
	if err := s.validateRequiredString(arg.PaymentMethod, "request.paymentMethod", maxStringInputLength); err != nil {
		return nil, err
	}
	if arg.PaymentAmount <= 0 {
		return nil, errf(KindValidationFailed, "request.paymentAmount must be positive")
	}
	if strings.TrimSpace(arg.ProvidedHash) != "" {
		if err := s.validateHexDigest(arg.ProvidedHash, "request.providedHash"); err != nil {
			return nil, err
		}
	}
	if err := s.validateOptionalString(arg.Notes, "request.notes", maxNotesLength); err != nil {
		return nil, err
	}

	return &ValidatedVerificationRequest{
		CertificateNumber:    strings.TrimSpace(arg.CertificateNumber),
		VerifierOrganization: strings.TrimSpace(arg.VerifierOrganization),
		VerifierEmail:        strings.TrimSpace(arg.VerifierEmail),
		PaymentMethod:        strings.TrimSpace(arg.PaymentMethod),
		PaymentAmount:        arg.PaymentAmount,
		ProvidedHash:         strings.ToLower(strings.TrimSpace(arg.ProvidedHash)),
		Notes:                strings.TrimSpace(arg.Notes),
	}, nil
}

// --- Schema Compliance ---

// ensureCertificateSchemaCompliance normalizes nil slices before marshal so
// CouchDB documents and JSON responses carry [] rather than null.
func ensureCertificateSchemaCompliance(record *model.CertificateRecord) {
	if record == nil {
		return
	}
	if record.History == nil {
		record.History = []model.HistoryEntry{}
	}
}

func ensurePaymentSchemaCompliance(payment *model.PaymentRecord) {
	if payment == nil {
		return
	}
	if payment.Metadata == nil {
		payment.Metadata = map[string]string{}
	}
}

// deriveEffectiveStatus computes the status a reader should see. EXPIRED is
// derived from ExpiryDate at read time; it is never written to state.
func deriveEffectiveStatus(record *model.CertificateRecord, now time.Time) model.CertificateStatus {
	if record.Status == model.CertStatusRevoked {
		return model.CertStatusRevoked
	}
	if !record.ExpiryDate.IsZero() && now.After(record.ExpiryDate) {
		return model.CertStatusExpired
	}
	return model.CertStatusActive
}

// --- Idempotency Dedup Window ---

// checkDedup returns the dedup record for token if one exists inside the active
// window, or nil when the token is unseen (or its record has aged out).
func (s *CredTraceSmartContract) checkDedup(ctx contractapi.TransactionContextInterface, token string) (*model.DedupRecord, error) {
	dedupKey, err := s.createDedupKey(ctx, token)
	if err != nil {
		return nil, errf(KindValidationFailed, "%v", err)
	}
	recBytes, err := ctx.GetStub().GetState(dedupKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read dedup record for token '%s': %w", token, err)
	}
	if recBytes == nil {
		return nil, nil
	}
	var rec model.DedupRecord
	if err := json.Unmarshal(recBytes, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dedup record for token '%s': %w", token, err)
	}

	window, err := s.dedupWindow(ctx)
	if err != nil {
		return nil, err
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if now.Sub(rec.CommittedAt) > window {
		logger.Debugf("Dedup record for token '%s' aged out of the %s window. Treating as unseen.", token, window)
		return nil, nil
	}
	return &rec, nil
}

// recordDedup stores the committed outcome for token so an ambiguous-timeout
// retry replays it instead of reapplying the mutation.
func (s *CredTraceSmartContract) recordDedup(ctx contractapi.TransactionContextInterface, token, function, key string, outcome interface{}) error {
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return err
	}
	rec := model.DedupRecord{
		ObjectType:  dedupObjectType,
		Token:       token,
		TxID:        ctx.GetStub().GetTxID(),
		Function:    function,
		Key:         key,
		CommittedAt: now,
	}
	if outcome != nil {
		outcomeBytes, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("failed to marshal dedup outcome for token '%s': %w", token, err)
		}
		rec.Outcome = string(outcomeBytes)
	}
	dedupKey, err := s.createDedupKey(ctx, token)
	if err != nil {
		return errf(KindValidationFailed, "%v", err)
	}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dedup record for token '%s': %w", token, err)
	}
	if err := ctx.GetStub().PutState(dedupKey, recBytes); err != nil {
		return fmt.Errorf("failed to save dedup record for token '%s': %w", token, err)
	}
	return nil
}

// replayDedup guards a mutating op: it validates the token and, when the token
// was already committed by the same function, hands back the stored outcome.
func (s *CredTraceSmartContract) replayDedup(ctx contractapi.TransactionContextInterface, token, function string) (*model.DedupRecord, error) {
	if err := s.validateRequiredString(token, "idempotencyToken", maxTokenLength); err != nil {
		return nil, err
	}
	rec, err := s.checkDedup(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Function != function {
		return nil, errf(KindValidationFailed, "idempotencyToken '%s' was already used by %s; tokens must be unique per logical transaction", token, rec.Function)
	}
	logger.Infof("%s: replaying committed outcome for idempotency token '%s' (tx '%s')", function, token, rec.TxID)
	return rec, nil
}

// --- Config ---

func (s *CredTraceSmartContract) loadLedgerConfig(ctx contractapi.TransactionContextInterface) (*model.LedgerConfig, error) {
	cfg := &model.LedgerConfig{
		ObjectType:       configObjectType,
		DedupWindowHours: defaultDedupWindowHours,
		VerificationFee:  defaultVerificationFee,
		FeeCurrency:      defaultFeeCurrency,
	}
	cfgKey, err := s.createConfigKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create config key: %w", err)
	}
	cfgBytes, err := ctx.GetStub().GetState(cfgKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger config: %w", err)
	}
	if cfgBytes != nil {
		if err := json.Unmarshal(cfgBytes, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger config: %w", err)
		}
	}
	return cfg, nil
}

func (s *CredTraceSmartContract) saveLedgerConfig(ctx contractapi.TransactionContextInterface, cfg *model.LedgerConfig) error {
	cfgKey, err := s.createConfigKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to create config key: %w", err)
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger config: %w", err)
	}
	if err := ctx.GetStub().PutState(cfgKey, cfgBytes); err != nil {
		return fmt.Errorf("failed to save ledger config: %w", err)
	}
	return nil
}

// --- Events ---

// emitCertificateEvent sends a chaincode event about a certificate transition.
func (s *CredTraceSmartContract) emitCertificateEvent(ctx contractapi.TransactionContextInterface, eventName string, record *model.CertificateRecord, actor *actorInfo, additionalPayload map[string]interface{}) {
	if record == nil || actor == nil {
		logger.Errorf("emitCertificateEvent: cannot emit event, record or actor is nil. Event: %s", eventName)
		return
	}
	payload := map[string]interface{}{
		"certificateNumber":    record.CertificateNumber,
		"facultyName":          record.FacultyName,
		"status":               record.Status,
		"issuerId":             record.IssuerID,
		"issuerAlias":          record.IssuerAlias,
		"actorFullId":          actor.fullID,
		"actorAlias":           actor.alias,
		"transactionTimestamp": record.LastUpdatedAt.Format(time.RFC3339),
	}
	for k, v := range additionalPayload {
		if t, ok := v.(time.Time); ok {
			payload[k] = t.Format(time.RFC3339)
		} else {
			payload[k] = v
		}
	}
	eventBytes, err := json.Marshal(payload)
	if err != nil {
		logger.Warningf("emitCertificateEvent: Failed to marshal event payload for event '%s' on certificate '%s': %v", eventName, record.CertificateNumber, err)
		return
	}
	if errSet := ctx.GetStub().SetEvent(eventName, eventBytes); errSet != nil {
		logger.Warningf("emitCertificateEvent: Failed to set event '%s' for certificate '%s': %v", eventName, record.CertificateNumber, errSet)
	}
}

// emitPaymentEvent sends a chaincode event about a payment transition.
func (s *CredTraceSmartContract) emitPaymentEvent(ctx contractapi.TransactionContextInterface, eventName string, payment *model.PaymentRecord) {
	if payment == nil {
		return
	}
	payload := map[string]interface{}{
		"paymentId":         payment.PaymentID,
		"certificateNumber": payment.CertificateNumber,
		"organizationName":  payment.OrganizationName,
		"status":            payment.Status,
		"amount":            payment.Amount,
		"currency":          payment.Currency,
		"updatedAt":         payment.UpdatedAt.Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(payload)
	if err != nil {
		logger.Warningf("emitPaymentEvent: Failed to marshal event payload for event '%s' on payment '%s': %v", eventName, payment.PaymentID, err)
		return
	}
	if errSet := ctx.GetStub().SetEvent(eventName, eventBytes); errSet != nil {
		logger.Warningf("emitPaymentEvent: Failed to set event '%s' for payment '%s': %v", eventName, payment.PaymentID, errSet)
	}
}

// requireAdmin is a helper to check if the current caller is an admin.
func (s *CredTraceSmartContract) requireAdmin(ctx contractapi.TransactionContextInterface, im *IdentityManager) error {
	isCallerAdmin, err := im.IsCurrentUserAdmin()
	if err != nil {
		return fmt.Errorf("failed to check admin status: %w", err)
	}
	if !isCallerAdmin {
		callerID, _ := im.GetCurrentIdentityFullID()
		return errf(KindUnauthorized, "caller '%s' is not an admin", callerID)
	}
	return nil
}
