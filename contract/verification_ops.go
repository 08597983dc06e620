package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"credtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Employer Operations (Two-Phase Verification) ---

// RequestVerification opens a paid verification of an attested certificate.
// Caller must have the 'employer' role. The validity outcome is computed and
// stored on the ticket now but only disclosed by CompleteVerification once the
// linked payment settles. The returned ack carries no certificate detail.
//
// A supplied providedHash that does not match a hash recomputed from the
// stored record short-circuits to an INTEGRITY_MISMATCH ticket: the ticket and a
// refund-eligible payment still persist for audit, which is why the mismatch is
// reported through the ack status rather than an error.
func (s *CredTraceSmartContract) RequestVerification(ctx contractapi.TransactionContextInterface, requestJSON string, idempotencyToken string) (*model.VerificationAck, error) {
	logger.Infof("RequestVerification: called with token '%s'", idempotencyToken)
	im := NewIdentityManager(ctx)

	if err := im.RequireRole("employer"); err != nil {
		return nil, fmt.Errorf("RequestVerification: %w", err)
	}

	dedup, err := s.replayDedup(ctx, idempotencyToken, "RequestVerification")
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: %w", err)
	}
	if dedup != nil {
		var replayed model.VerificationAck
		if err := json.Unmarshal([]byte(dedup.Outcome), &replayed); err != nil {
			return nil, fmt.Errorf("RequestVerification: failed to unmarshal replayed outcome for token '%s': %w", idempotencyToken, err)
		}
		return &replayed, nil
	}

	request, err := s.validateVerificationRequestArgs(requestJSON)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: %w", err)
	}

	cfg, err := s.loadLedgerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: %w", err)
	}
	if request.PaymentAmount < cfg.VerificationFee {
		return nil, errf(KindValidationFailed, "paymentAmount %.2f is below the verification fee of %.2f %s", request.PaymentAmount, cfg.VerificationFee, cfg.FeeCurrency)
	}

	// An unknown certificate fails fast with no ticket and no payment; the
	// requester is never charged for a lookup that cannot proceed.
	record, err := s.getCertificateByNumber(ctx, request.CertificateNumber)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: %w", err)
	}

	actor, err := s.getCurrentActorInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: failed to get actor info: %w", err)
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: failed to get timestamp: %w", err)
	}

	// Deterministic IDs derived from the caller's token: every endorser
	// computes the same IDs and a retried submission regenerates them.
	requestID := "VR-" + strings.TrimSpace(idempotencyToken)
	paymentID := "PAY-" + strings.TrimSpace(idempotencyToken)

	// The comparison target is recomputed from the stored fields, not the
	// anchored digest, so a record tampered in state after attestation is
	// caught even when its stored hash still matches the verifier's claim.
	integrityOK := true
	if request.ProvidedHash != "" && !verifyPayloadDigest(canonicalCertificatePayload(record), request.ProvidedHash) {
		integrityOK = false
	}

	ticket := &model.VerificationTicket{
		ObjectType:           ticketObjectType,
		RequestID:            requestID,
		CertificateNumber:    record.CertificateNumber,
		VerifierOrganization: request.VerifierOrganization,
		VerifierEmail:        request.VerifierEmail,
		RequesterID:          actor.fullID,
		PaymentID:            paymentID,
		ProvidedHash:         request.ProvidedHash,
		Notes:                request.Notes,
		CreatedAt:            now,
		LastUpdatedAt:        now,
	}
	if integrityOK {
		ticket.Status = model.VerifStatusPendingPayment
		ticket.IsValid = deriveEffectiveStatus(record, now) == model.CertStatusActive
	} else {
		ticket.Status = model.VerifStatusIntegrityMismatch
		ticket.IsValid = false
		ticket.RefundEligible = true
	}

	payment := &model.PaymentRecord{
		ObjectType:        paymentObjectType,
		PaymentID:         paymentID,
		Amount:            request.PaymentAmount,
		Currency:          cfg.FeeCurrency,
		PaymentMethod:     request.PaymentMethod,
		Status:            model.PaymentStatusInitiated,
		OrganizationName:  request.VerifierOrganization,
		CertificateNumber: record.CertificateNumber,
		Metadata:          map[string]string{metaRequestIDKey: requestID},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	ticketKey, err := s.createTicketKey(ctx, requestID)
	if err != nil {
		return nil, errf(KindValidationFailed, "RequestVerification: %v", err)
	}
	ticketBytes, err := json.Marshal(ticket)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: failed to marshal ticket '%s': %w", requestID, err)
	}
	if err := ctx.GetStub().PutState(ticketKey, ticketBytes); err != nil {
		return nil, fmt.Errorf("RequestVerification: failed to save ticket '%s': %w", requestID, err)
	}

	paymentKey, err := s.createPaymentKey(ctx, paymentID)
	if err != nil {
		return nil, errf(KindValidationFailed, "RequestVerification: %v", err)
	}
	ensurePaymentSchemaCompliance(payment)
	paymentBytes, err := json.Marshal(payment)
	if err != nil {
		return nil, fmt.Errorf("RequestVerification: failed to marshal payment '%s': %w", paymentID, err)
	}
	if err := ctx.GetStub().PutState(paymentKey, paymentBytes); err != nil {
		return nil, fmt.Errorf("RequestVerification: failed to save payment '%s': %w", paymentID, err)
	}

	ack := &model.VerificationAck{
		RequestID:         requestID,
		CertificateNumber: record.CertificateNumber,
		PaymentID:         paymentID,
		Status:            ticket.Status,
	}
	if err := s.recordDedup(ctx, idempotencyToken, "RequestVerification", requestID, ack); err != nil {
		return nil, fmt.Errorf("RequestVerification: %w", err)
	}

	s.emitCertificateEvent(ctx, "VerificationRequested", record, actor, map[string]interface{}{
		"requestId":            requestID,
		"paymentId":            paymentID,
		"verifierOrganization": request.VerifierOrganization,
		"ticketStatus":         ticket.Status,
	})
	s.emitPaymentEvent(ctx, "PaymentStatusChanged", payment)

	logger.Infof("RequestVerification: ticket '%s' opened for certificate '%s' by '%s' (status %s)", requestID, record.CertificateNumber, actor.alias, ticket.Status)
	return ack, nil
}

// CompleteVerification attempts to collect the result of a previously opened
// verification request. The computed outcome is released only when the linked
// payment has SUCCEEDED; before settlement the result carries PENDING_PAYMENT
// and no certificate detail. Callable by the original requester, auditors, or
// admins. Safe to call repeatedly.
func (s *CredTraceSmartContract) CompleteVerification(ctx contractapi.TransactionContextInterface, requestID string) (*model.VerificationResult, error) {
	logger.Infof("CompleteVerification: called for '%s'", requestID)
	im := NewIdentityManager(ctx)

	ticket, err := s.getTicketByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("CompleteVerification: %w", err)
	}

	callerFullID, err := im.GetCurrentIdentityFullID()
	if err != nil {
		return nil, fmt.Errorf("CompleteVerification: failed to get caller identity: %w", err)
	}
	if callerFullID != ticket.RequesterID {
		isAdmin, err := im.IsAdmin(callerFullID)
		if err != nil {
			return nil, fmt.Errorf("CompleteVerification: failed to check admin status: %w", err)
		}
		isAuditor, err := im.HasRole(callerFullID, "auditor")
		if err != nil {
			return nil, fmt.Errorf("CompleteVerification: failed to check auditor role: %w", err)
		}
		if !isAdmin && !isAuditor {
			return nil, errf(KindUnauthorized, "only the requester, an auditor, or an admin may collect verification '%s'", requestID)
		}
	}

	result := &model.VerificationResult{
		RequestID:         ticket.RequestID,
		CertificateNumber: ticket.CertificateNumber,
		Status:            ticket.Status,
		IsValid:           false,
	}

	switch ticket.Status {
	case model.VerifStatusIntegrityMismatch:
		// Negative integrity outcome is disclosed without certificate detail.
		return result, nil
	case model.VerifStatusPaymentFailed:
		return nil, errf(KindPaymentFailed, "payment '%s' for verification '%s' failed; no result will be released", ticket.PaymentID, requestID)
	}

	payment, err := s.getPaymentByID(ctx, ticket.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("CompleteVerification: %w", err)
	}

	switch payment.Status {
	case model.PaymentStatusFailed:
		return nil, errf(KindPaymentFailed, "payment '%s' for verification '%s' failed: %s", payment.PaymentID, requestID, payment.FailureReason)
	case model.PaymentStatusInitiated, model.PaymentStatusProcessing:
		result.Status = model.VerifStatusPendingPayment
		logger.Infof("CompleteVerification: payment '%s' for '%s' still %s; withholding result", payment.PaymentID, requestID, payment.Status)
		return result, nil
	}

	// Payment SUCCEEDED: release the outcome computed at request time.
	record, err := s.getCertificateByNumber(ctx, ticket.CertificateNumber)
	if err != nil {
		return nil, fmt.Errorf("CompleteVerification: %w", err)
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("CompleteVerification: failed to get timestamp: %w", err)
	}

	result.Status = model.VerifStatusCompleted
	result.IsValid = ticket.IsValid
	result.CertificateStatus = deriveEffectiveStatus(record, now)
	result.StudentName = record.StudentName
	result.DegreeName = record.DegreeName
	result.FacultyName = record.FacultyName
	result.DegreeClassification = record.DegreeClassification
	result.IssuanceDate = record.IssuanceDate.UTC().Format(canonicalDateLayout)
	result.ContentHash = record.ContentHash

	if ticket.Status != model.VerifStatusCompleted {
		ticket.Status = model.VerifStatusCompleted
		ticket.LastUpdatedAt = now
		ticketKey, keyErr := s.createTicketKey(ctx, ticket.RequestID)
		if keyErr != nil {
			return nil, errf(KindValidationFailed, "CompleteVerification: %v", keyErr)
		}
		ticketBytes, marshalErr := json.Marshal(ticket)
		if marshalErr != nil {
			return nil, fmt.Errorf("CompleteVerification: failed to marshal ticket '%s': %w", ticket.RequestID, marshalErr)
		}
		if err := ctx.GetStub().PutState(ticketKey, ticketBytes); err != nil {
			return nil, fmt.Errorf("CompleteVerification: failed to save ticket '%s': %w", ticket.RequestID, err)
		}

		actor, actErr := s.getCurrentActorInfo(ctx)
		if actErr == nil {
			s.emitCertificateEvent(ctx, "VerificationCompleted", record, actor, map[string]interface{}{
				"requestId": ticket.RequestID,
				"paymentId": ticket.PaymentID,
				"isValid":   ticket.IsValid,
			})
		}
	}

	logger.Infof("CompleteVerification: result released for '%s' (isValid=%t)", requestID, result.IsValid)
	return result, nil
}
