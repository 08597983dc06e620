package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"credtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Query Functions ---

// getCertificateByNumber is an internal helper to retrieve and unmarshal a
// certificate. It also ensures schema compliance.
func (s *CredTraceSmartContract) getCertificateByNumber(ctx contractapi.TransactionContextInterface, certificateNumber string) (*model.CertificateRecord, error) {
	certKey, err := s.createCertificateKey(ctx, certificateNumber)
	if err != nil {
		return nil, errf(KindValidationFailed, "%v", err)
	}

	certBytes, err := ctx.GetStub().GetState(certKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate '%s' from ledger: %w", certificateNumber, err)
	}
	if certBytes == nil {
		return nil, errf(KindNotFound, "certificate '%s' does not exist", certificateNumber)
	}

	var record model.CertificateRecord
	if err = json.Unmarshal(certBytes, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal certificate '%s' data: %w", certificateNumber, err)
	}
	ensureCertificateSchemaCompliance(&record)
	return &record, nil
}

func (s *CredTraceSmartContract) getTicketByRequestID(ctx contractapi.TransactionContextInterface, requestID string) (*model.VerificationTicket, error) {
	ticketKey, err := s.createTicketKey(ctx, requestID)
	if err != nil {
		return nil, errf(KindValidationFailed, "%v", err)
	}

	ticketBytes, err := ctx.GetStub().GetState(ticketKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read verification ticket '%s' from ledger: %w", requestID, err)
	}
	if ticketBytes == nil {
		return nil, errf(KindNotFound, "verification ticket '%s' does not exist", requestID)
	}

	var ticket model.VerificationTicket
	if err = json.Unmarshal(ticketBytes, &ticket); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification ticket '%s' data: %w", requestID, err)
	}
	return &ticket, nil
}

func (s *CredTraceSmartContract) getPaymentByID(ctx contractapi.TransactionContextInterface, paymentID string) (*model.PaymentRecord, error) {
	paymentKey, err := s.createPaymentKey(ctx, paymentID)
	if err != nil {
		return nil, errf(KindValidationFailed, "%v", err)
	}

	paymentBytes, err := ctx.GetStub().GetState(paymentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment '%s' from ledger: %w", paymentID, err)
	}
	if paymentBytes == nil {
		return nil, errf(KindNotFound, "payment '%s' does not exist", paymentID)
	}

	var payment model.PaymentRecord
	if err = json.Unmarshal(paymentBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment '%s' data: %w", paymentID, err)
	}
	ensurePaymentSchemaCompliance(&payment)
	return &payment, nil
}

// GetCertificate returns the attested record with its effective status derived
// at read time (EXPIRED is computed from ExpiryDate, never stored). Public: the
// free read discloses only what the university attested, never verification
// outcomes.
func (s *CredTraceSmartContract) GetCertificate(ctx contractapi.TransactionContextInterface, certificateNumber string) (*model.CertificateRecord, error) {
	logger.Debugf("GetCertificate: Querying certificate '%s'", certificateNumber)
	if err := s.validateRequiredString(certificateNumber, "certificateNumber", maxStringInputLength); err != nil {
		return nil, err
	}

	record, err := s.getCertificateByNumber(ctx, certificateNumber)
	if err != nil {
		return nil, err
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetCertificate: failed to get timestamp: %w", err)
	}
	record.Status = deriveEffectiveStatus(record, now)
	record.History = []model.HistoryEntry{}
	return record, nil
}

// CheckCertificateIntegrity recomputes the canonical hash over the stored
// record and compares it against the anchored digest. Public.
func (s *CredTraceSmartContract) CheckCertificateIntegrity(ctx contractapi.TransactionContextInterface, certificateNumber string) (*model.IntegrityReport, error) {
	logger.Debugf("CheckCertificateIntegrity: Checking '%s'", certificateNumber)
	if err := s.validateRequiredString(certificateNumber, "certificateNumber", maxStringInputLength); err != nil {
		return nil, err
	}

	record, err := s.getCertificateByNumber(ctx, certificateNumber)
	if err != nil {
		return nil, err
	}

	payload := canonicalCertificatePayload(record)
	report := &model.IntegrityReport{
		CertificateNumber: record.CertificateNumber,
		StoredHash:        record.ContentHash,
		ComputedHash:      hashPayload(payload),
		Intact:            verifyPayloadDigest(payload, record.ContentHash),
	}
	if !report.Intact {
		logger.Warningf("CheckCertificateIntegrity: certificate '%s' hash mismatch (stored %s, computed %s)", certificateNumber, record.ContentHash, report.ComputedHash)
	}
	return report, nil
}

// GetCertificateHistory returns the certificate with its full state history
// reconstructed from the ledger. Public.
func (s *CredTraceSmartContract) GetCertificateHistory(ctx contractapi.TransactionContextInterface, certificateNumber string) (*model.CertificateRecord, error) {
	logger.Debugf("GetCertificateHistory: Querying history for '%s'", certificateNumber)
	if err := s.validateRequiredString(certificateNumber, "certificateNumber", maxStringInputLength); err != nil {
		return nil, err
	}

	record, err := s.getCertificateByNumber(ctx, certificateNumber)
	if err != nil {
		return nil, err
	}

	certKey, keyErr := s.createCertificateKey(ctx, certificateNumber)
	if keyErr != nil {
		logger.Warningf("GetCertificateHistory: Failed to create key for history query on '%s': %v. Returning record without history.", certificateNumber, keyErr)
		record.History = []model.HistoryEntry{}
		return record, nil
	}

	historyIter, errHist := ctx.GetStub().GetHistoryForKey(certKey)
	if errHist != nil {
		logger.Warningf("GetCertificateHistory: Failed to get history for '%s': %v. Returning record without history.", certificateNumber, errHist)
		record.History = []model.HistoryEntry{}
		return record, nil
	}
	defer historyIter.Close()

	historyEntries := []model.HistoryEntry{}
	for historyIter.HasNext() {
		historyItem, iterErr := historyIter.Next()
		if iterErr != nil {
			logger.Warningf("GetCertificateHistory: Error iterating history for '%s': %v. Skipping entry.", certificateNumber, iterErr)
			continue
		}
		var pastState model.CertificateRecord
		_ = json.Unmarshal(historyItem.Value, &pastState)

		action := string(pastState.Status)
		if historyItem.IsDelete {
			action = "DELETED"
		}
		historyEntries = append(historyEntries, model.HistoryEntry{
			TxID:      historyItem.TxId,
			Timestamp: historyItem.Timestamp.AsTime(),
			IsDelete:  historyItem.IsDelete,
			Value:     string(historyItem.Value),
			Action:    action,
		})
	}
	record.History = historyEntries
	return record, nil
}

// GetVerificationTicket returns a ticket's audit record. Restricted to the
// original requester, auditors, and admins; tickets reveal the withheld
// outcome and must not leak to other employers.
func (s *CredTraceSmartContract) GetVerificationTicket(ctx contractapi.TransactionContextInterface, requestID string) (*model.VerificationTicket, error) {
	logger.Debugf("GetVerificationTicket: Querying ticket '%s'", requestID)
	if err := s.validateRequiredString(requestID, "requestId", maxStringInputLength); err != nil {
		return nil, err
	}

	ticket, err := s.getTicketByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	im := NewIdentityManager(ctx)
	callerFullID, err := im.GetCurrentIdentityFullID()
	if err != nil {
		return nil, fmt.Errorf("GetVerificationTicket: failed to get caller identity: %w", err)
	}
	if callerFullID != ticket.RequesterID {
		isAdmin, err := im.IsAdmin(callerFullID)
		if err != nil {
			return nil, fmt.Errorf("GetVerificationTicket: failed to check admin status: %w", err)
		}
		isAuditor, err := im.HasRole(callerFullID, "auditor")
		if err != nil {
			return nil, fmt.Errorf("GetVerificationTicket: failed to check auditor role: %w", err)
		}
		if !isAdmin && !isAuditor {
			return nil, errf(KindUnauthorized, "only the requester, an auditor, or an admin may view ticket '%s'", requestID)
		}
	}
	return ticket, nil
}

// GetPayment returns a payment record. Restricted to the settlement role,
// auditors, and admins.
func (s *CredTraceSmartContract) GetPayment(ctx contractapi.TransactionContextInterface, paymentID string) (*model.PaymentRecord, error) {
	logger.Debugf("GetPayment: Querying payment '%s'", paymentID)
	if err := s.validateRequiredString(paymentID, "paymentId", maxStringInputLength); err != nil {
		return nil, err
	}

	im := NewIdentityManager(ctx)
	callerFullID, err := im.GetCurrentIdentityFullID()
	if err != nil {
		return nil, fmt.Errorf("GetPayment: failed to get caller identity: %w", err)
	}
	isAdmin, err := im.IsAdmin(callerFullID)
	if err != nil {
		return nil, fmt.Errorf("GetPayment: failed to check admin status: %w", err)
	}
	if !isAdmin {
		isSettlement, err := im.HasRole(callerFullID, "settlement")
		if err != nil {
			return nil, fmt.Errorf("GetPayment: failed to check settlement role: %w", err)
		}
		isAuditor, err := im.HasRole(callerFullID, "auditor")
		if err != nil {
			return nil, fmt.Errorf("GetPayment: failed to check auditor role: %w", err)
		}
		if !isSettlement && !isAuditor {
			return nil, errf(KindUnauthorized, "only settlement, auditor, or admin identities may view payment '%s'", paymentID)
		}
	}
	return s.getPaymentByID(ctx, paymentID)
}

// GetAllCertificates returns a page of attested certificates. Admin only.
func (s *CredTraceSmartContract) GetAllCertificates(ctx contractapi.TransactionContextInterface, pageSizeStr string, bookmark string) (*model.PaginatedCertificateResponse, error) {
	im := NewIdentityManager(ctx)
	if err := s.requireAdmin(ctx, im); err != nil {
		return nil, fmt.Errorf("GetAllCertificates: %w", err)
	}
	pageSize := clampPageSize(pageSizeStr)
	logger.Infof("GetAllCertificates: Admin listing certificates (pageSize: %d, bookmark: '%s')", pageSize, bookmark)

	resultsIterator, metadata, err := ctx.GetStub().GetStateByPartialCompositeKeyWithPagination(certificateObjectType, []string{}, pageSize, bookmark)
	if err != nil {
		return nil, fmt.Errorf("GetAllCertificates: failed to get certificates iterator: %w", err)
	}
	defer resultsIterator.Close()

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetAllCertificates: failed to get timestamp: %w", err)
	}

	certificates := []*model.CertificateRecord{}
	fetchedCount := int32(0)
	for resultsIterator.HasNext() {
		queryResponse, iterErr := resultsIterator.Next()
		if iterErr != nil {
			logger.Warningf("GetAllCertificates: Error iterating results: %v. Skipping.", iterErr)
			continue
		}
		var record model.CertificateRecord
		if errUnmarshal := json.Unmarshal(queryResponse.Value, &record); errUnmarshal != nil {
			logger.Warningf("GetAllCertificates: Error unmarshalling certificate: %v. Skipping.", errUnmarshal)
			continue
		}
		ensureCertificateSchemaCompliance(&record)
		record.Status = deriveEffectiveStatus(&record, now)
		record.History = []model.HistoryEntry{}
		certificates = append(certificates, &record)
		fetchedCount++
	}

	return &model.PaginatedCertificateResponse{
		Certificates: certificates,
		NextBookmark: metadata.GetBookmark(),
		FetchedCount: fetchedCount,
	}, nil
}

// GetCertificatesByStatus returns a page of certificates with the given stored
// status. Public. Requires the CouchDB index 'indexObjectTypeStatusDoc'.
func (s *CredTraceSmartContract) GetCertificatesByStatus(ctx contractapi.TransactionContextInterface, statusToQuery string, pageSizeStr string, bookmark string) (*model.PaginatedCertificateResponse, error) {
	logger.Infof("GetCertificatesByStatus: Querying status '%s', pageSize: '%s', bookmark: '%s'", statusToQuery, pageSizeStr, bookmark)

	var targetStatus model.CertificateStatus
	switch strings.ToUpper(strings.TrimSpace(statusToQuery)) {
	case string(model.CertStatusActive):
		targetStatus = model.CertStatusActive
	case string(model.CertStatusRevoked):
		targetStatus = model.CertStatusRevoked
	default:
		// EXPIRED is derived at read time and never stored, so it is not
		// queryable by selector.
		return nil, errf(KindValidationFailed, "invalid statusToQuery: '%s' (valid: ACTIVE, REVOKED)", statusToQuery)
	}

	pageSize := clampPageSize(pageSizeStr)
	queryString := fmt.Sprintf(`{"selector":{"objectType":"%s", "status":"%s"}, "use_index":"_design/indexObjectTypeStatusDoc"}`, certificateObjectType, targetStatus)
	return s.runPaginatedCertificateQuery(ctx, "GetCertificatesByStatus", queryString, pageSize, bookmark, func(r *model.CertificateRecord) bool {
		return r.Status == targetStatus
	})
}

// GetCertificatesByFaculty returns a page of certificates for one faculty.
// Public. Requires the CouchDB index 'indexObjectTypeFacultyDoc'.
func (s *CredTraceSmartContract) GetCertificatesByFaculty(ctx contractapi.TransactionContextInterface, facultyName string, pageSizeStr string, bookmark string) (*model.PaginatedCertificateResponse, error) {
	logger.Infof("GetCertificatesByFaculty: Querying faculty '%s', pageSize: '%s', bookmark: '%s'", facultyName, pageSizeStr, bookmark)
	if err := s.validateRequiredString(facultyName, "facultyName", maxStringInputLength); err != nil {
		return nil, err
	}

	pageSize := clampPageSize(pageSizeStr)
	facultyTrimmed := strings.TrimSpace(facultyName)
	queryString := fmt.Sprintf(`{"selector":{"objectType":"%s", "facultyName":"%s"}, "use_index":"_design/indexObjectTypeFacultyDoc"}`, certificateObjectType, facultyTrimmed)
	return s.runPaginatedCertificateQuery(ctx, "GetCertificatesByFaculty", queryString, pageSize, bookmark, func(r *model.CertificateRecord) bool {
		return r.FacultyName == facultyTrimmed
	})
}

// GetMyIssuedCertificates returns a page of certificates attested by the
// calling university identity.
func (s *CredTraceSmartContract) GetMyIssuedCertificates(ctx contractapi.TransactionContextInterface, pageSizeStr string, bookmark string) (*model.PaginatedCertificateResponse, error) {
	actor, err := s.getCurrentActorInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetMyIssuedCertificates: failed to get actor info: %w", err)
	}

	pageSize := clampPageSize(pageSizeStr)
	logger.Infof("GetMyIssuedCertificates: Getting certificates issued by '%s' (alias: %s), pageSize: %d, bookmark: '%s'", actor.fullID, actor.alias, pageSize, bookmark)

	queryString := fmt.Sprintf(`{"selector":{"objectType":"%s", "issuerId":"%s"}, "use_index":"_design/indexObjectTypeIssuerDoc"}`, certificateObjectType, actor.fullID)
	return s.runPaginatedCertificateQuery(ctx, "GetMyIssuedCertificates", queryString, pageSize, bookmark, func(r *model.CertificateRecord) bool {
		return r.IssuerID == actor.fullID
	})
}

// runPaginatedCertificateQuery executes a CouchDB rich query with pagination,
// falling back to a paginated full scan with client-side filtering when the
// state database does not support rich queries (LevelDB).
func (s *CredTraceSmartContract) runPaginatedCertificateQuery(ctx contractapi.TransactionContextInterface, caller, queryString string, pageSize int32, bookmark string, matches func(*model.CertificateRecord) bool) (*model.PaginatedCertificateResponse, error) {
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get timestamp: %w", caller, err)
	}

	resultsIterator, metadata, err := ctx.GetStub().GetQueryResultWithPagination(queryString, pageSize, bookmark)
	if err != nil {
		logger.Warningf("%s: CouchDB rich query failed: %v. Falling back to paginated scan (SLOW).", caller, err)

		allResultsIterator, metadataFallback, errScan := ctx.GetStub().GetStateByPartialCompositeKeyWithPagination(certificateObjectType, []string{}, pageSize, bookmark)
		if errScan != nil {
			return nil, fmt.Errorf("%s: rich query failed (%v) and paginated scan also failed (%w)", caller, err, errScan)
		}
		defer allResultsIterator.Close()

		filtered := []*model.CertificateRecord{}
		fetchedCount := int32(0)
		for allResultsIterator.HasNext() {
			queryResponse, iterErr := allResultsIterator.Next()
			if iterErr != nil {
				logger.Warningf("%s fallback: Error iterating results: %v. Skipping.", caller, iterErr)
				continue
			}
			var record model.CertificateRecord
			if errUnmarshal := json.Unmarshal(queryResponse.Value, &record); errUnmarshal != nil {
				logger.Warningf("%s fallback: Error unmarshalling certificate: %v. Skipping.", caller, errUnmarshal)
				continue
			}
			if matches(&record) {
				ensureCertificateSchemaCompliance(&record)
				record.Status = deriveEffectiveStatus(&record, now)
				record.History = []model.HistoryEntry{}
				filtered = append(filtered, &record)
				fetchedCount++
			}
		}
		return &model.PaginatedCertificateResponse{
			Certificates: filtered,
			NextBookmark: metadataFallback.GetBookmark(),
			FetchedCount: fetchedCount,
		}, nil
	}
	defer resultsIterator.Close()

	certificates := []*model.CertificateRecord{}
	fetchedCount := int32(0)
	for resultsIterator.HasNext() {
		queryResponse, iterErr := resultsIterator.Next()
		if iterErr != nil {
			logger.Warningf("%s: Error iterating CouchDB results: %v. Skipping.", caller, iterErr)
			continue
		}
		var record model.CertificateRecord
		if errUnmarshal := json.Unmarshal(queryResponse.Value, &record); errUnmarshal != nil {
			logger.Warningf("%s: Error unmarshalling certificate: %v. Skipping.", caller, errUnmarshal)
			continue
		}
		ensureCertificateSchemaCompliance(&record)
		record.Status = deriveEffectiveStatus(&record, now)
		record.History = []model.HistoryEntry{}
		certificates = append(certificates, &record)
		fetchedCount++
	}

	logger.Infof("%s (CouchDB): Found %d certificates on this page.", caller, fetchedCount)
	return &model.PaginatedCertificateResponse{
		Certificates: certificates,
		NextBookmark: metadata.GetBookmark(),
		FetchedCount: fetchedCount,
	}, nil
}

func clampPageSize(pageSizeStr string) int32 {
	pageSize, err := strconv.ParseInt(pageSizeStr, 10, 32)
	if err != nil || pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return int32(pageSize)
}
