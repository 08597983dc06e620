package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"credtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- University Operations ---

// AttestCertificate records a new degree certificate on the ledger and anchors
// its canonical content hash. Caller must have the 'university' role. The
// idempotencyToken makes retries after ambiguous commit timeouts safe: a token
// seen inside the dedup window replays the originally attested record.
func (s *CredTraceSmartContract) AttestCertificate(ctx contractapi.TransactionContextInterface, submissionJSON string, idempotencyToken string) (*model.CertificateRecord, error) {
	logger.Infof("AttestCertificate: called with token '%s'", idempotencyToken)
	im := NewIdentityManager(ctx)

	if err := im.RequireRole("university"); err != nil {
		return nil, fmt.Errorf("AttestCertificate: %w", err)
	}

	dedup, err := s.replayDedup(ctx, idempotencyToken, "AttestCertificate")
	if err != nil {
		return nil, fmt.Errorf("AttestCertificate: %w", err)
	}
	if dedup != nil {
		var replayed model.CertificateRecord
		if err := json.Unmarshal([]byte(dedup.Outcome), &replayed); err != nil {
			return nil, fmt.Errorf("AttestCertificate: failed to unmarshal replayed outcome for token '%s': %w", idempotencyToken, err)
		}
		return &replayed, nil
	}

	actor, err := s.getCurrentActorInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("AttestCertificate: failed to get actor info: %w", err)
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("AttestCertificate: failed to get timestamp: %w", err)
	}

	submission, err := s.validateDegreeSubmissionArgs(ctx, submissionJSON)
	if err != nil {
		return nil, fmt.Errorf("AttestCertificate: %w", err)
	}

	certKey, err := s.createCertificateKey(ctx, submission.CertificateNumber)
	if err != nil {
		return nil, errf(KindValidationFailed, "AttestCertificate: %v", err)
	}
	existing, err := ctx.GetStub().GetState(certKey)
	if err != nil {
		return nil, fmt.Errorf("AttestCertificate: failed to check for existing certificate '%s': %w", submission.CertificateNumber, err)
	}
	if existing != nil {
		return nil, errf(KindDuplicateCertificate, "certificate '%s' already exists and attested records are immutable", submission.CertificateNumber)
	}

	record := &model.CertificateRecord{
		ObjectType:           certificateObjectType,
		CertificateNumber:    submission.CertificateNumber,
		StudentID:            submission.StudentID,
		StudentName:          submission.StudentName,
		DegreeName:           submission.DegreeName,
		FacultyName:          submission.FacultyName,
		DegreeClassification: submission.DegreeClassification,
		IssuanceDate:         submission.IssuanceDate,
		ExpiryDate:           submission.ExpiryDate,
		Notes:                submission.Notes,
		Status:               model.CertStatusActive,
		IssuerID:             actor.fullID,
		IssuerAlias:          actor.alias,
		CreatedAt:            now,
		LastUpdatedAt:        now,
	}
	record.ContentHash = hashPayload(canonicalCertificatePayload(record))
	ensureCertificateSchemaCompliance(record)

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("AttestCertificate: failed to marshal certificate '%s': %w", record.CertificateNumber, err)
	}
	if err := ctx.GetStub().PutState(certKey, recordBytes); err != nil {
		return nil, fmt.Errorf("AttestCertificate: failed to save certificate '%s': %w", record.CertificateNumber, err)
	}

	if err := s.recordDedup(ctx, idempotencyToken, "AttestCertificate", record.CertificateNumber, record); err != nil {
		return nil, fmt.Errorf("AttestCertificate: %w", err)
	}

	s.emitCertificateEvent(ctx, "CertificateAttested", record, actor, map[string]interface{}{
		"contentHash": record.ContentHash,
	})
	logger.Infof("AttestCertificate: certificate '%s' attested by '%s' (hash %s)", record.CertificateNumber, actor.alias, record.ContentHash)
	return record, nil
}

// RevokeCertificate marks an attested certificate as revoked. Only the issuing
// identity or an admin may revoke. Revoking an already revoked certificate is a
// no-op; the original revocation details are preserved.
func (s *CredTraceSmartContract) RevokeCertificate(ctx contractapi.TransactionContextInterface, certificateNumber, reason string, idempotencyToken string) (*model.CertificateRecord, error) {
	logger.Infof("RevokeCertificate: called for '%s' with token '%s'", certificateNumber, idempotencyToken)
	im := NewIdentityManager(ctx)

	if err := im.RequireRole("university"); err != nil {
		return nil, fmt.Errorf("RevokeCertificate: %w", err)
	}
	if err := s.validateRequiredString(reason, "reason", maxReasonLength); err != nil {
		return nil, fmt.Errorf("RevokeCertificate: %w", err)
	}

	dedup, err := s.replayDedup(ctx, idempotencyToken, "RevokeCertificate")
	if err != nil {
		return nil, fmt.Errorf("RevokeCertificate: %w", err)
	}
	if dedup != nil {
		var replayed model.CertificateRecord
		if err := json.Unmarshal([]byte(dedup.Outcome), &replayed); err != nil {
			return nil, fmt.Errorf("RevokeCertificate: failed to unmarshal replayed outcome for token '%s': %w", idempotencyToken, err)
		}
		return &replayed, nil
	}

	record, err := s.getCertificateByNumber(ctx, certificateNumber)
	if err != nil {
		return nil, fmt.Errorf("RevokeCertificate: %w", err)
	}

	actor, err := s.getCurrentActorInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("RevokeCertificate: failed to get actor info: %w", err)
	}
	isAdmin, err := im.IsAdmin(actor.fullID)
	if err != nil {
		return nil, fmt.Errorf("RevokeCertificate: failed to check admin status: %w", err)
	}
	if !isAdmin && record.IssuerID != actor.fullID {
		return nil, errf(KindUnauthorized, "only the issuing identity '%s' or an admin may revoke certificate '%s'", record.IssuerAlias, certificateNumber)
	}

	if record.Status == model.CertStatusRevoked {
		logger.Infof("RevokeCertificate: certificate '%s' already revoked at %s. No action taken.", certificateNumber, record.RevokedAt.Format(time.RFC3339))
		if err := s.recordDedup(ctx, idempotencyToken, "RevokeCertificate", record.CertificateNumber, record); err != nil {
			return nil, fmt.Errorf("RevokeCertificate: %w", err)
		}
		return record, nil
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("RevokeCertificate: failed to get timestamp: %w", err)
	}
	record.Status = model.CertStatusRevoked
	record.RevocationReason = reason
	record.RevokedAt = now
	record.LastUpdatedAt = now
	ensureCertificateSchemaCompliance(record)

	certKey, err := s.createCertificateKey(ctx, record.CertificateNumber)
	if err != nil {
		return nil, errf(KindValidationFailed, "RevokeCertificate: %v", err)
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("RevokeCertificate: failed to marshal certificate '%s': %w", record.CertificateNumber, err)
	}
	if err := ctx.GetStub().PutState(certKey, recordBytes); err != nil {
		return nil, fmt.Errorf("RevokeCertificate: failed to save revoked certificate '%s': %w", record.CertificateNumber, err)
	}

	if err := s.recordDedup(ctx, idempotencyToken, "RevokeCertificate", record.CertificateNumber, record); err != nil {
		return nil, fmt.Errorf("RevokeCertificate: %w", err)
	}

	s.emitCertificateEvent(ctx, "CertificateRevoked", record, actor, map[string]interface{}{
		"revocationReason": reason,
		"revokedAt":        now,
	})
	logger.Infof("RevokeCertificate: certificate '%s' revoked by '%s': %s", record.CertificateNumber, actor.alias, reason)
	return record, nil
}
