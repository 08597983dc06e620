package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"credtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Payment Settlement Operations ---
//
// Payments move through a monotonic state machine:
//
//	INITIATED -> PROCESSING -> SUCCEEDED
//	                        -> FAILED
//
// Gateways that settle synchronously may jump straight from INITIATED to a
// terminal status without reporting PROCESSING. Backward transitions and
// transitions out of a terminal status are rejected with an InvalidTransition
// error and leave the stored record untouched. Re-marking the current status
// is a no-op so gateway callbacks can be redelivered safely.

// validPaymentTransitions maps each status to the statuses reachable from it.
var validPaymentTransitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentStatusInitiated:  {model.PaymentStatusProcessing, model.PaymentStatusSucceeded, model.PaymentStatusFailed},
	model.PaymentStatusProcessing: {model.PaymentStatusSucceeded, model.PaymentStatusFailed},
	model.PaymentStatusSucceeded:  {},
	model.PaymentStatusFailed:     {},
}

func isValidPaymentTransition(from, to model.PaymentStatus) bool {
	for _, allowed := range validPaymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InitiatePayment creates a standalone payment record. Verification requests
// create their payment inline; this op exists for settlement integrations that
// pre-open a payment before the request is submitted. Caller must hold the
// 'employer' or 'settlement' role.
func (s *CredTraceSmartContract) InitiatePayment(ctx contractapi.TransactionContextInterface, paymentJSON string, idempotencyToken string) (*model.PaymentRecord, error) {
	logger.Infof("InitiatePayment: called with token '%s'", idempotencyToken)
	im := NewIdentityManager(ctx)

	if err := im.RequireRole("settlement"); err != nil {
		if errEmp := im.RequireRole("employer"); errEmp != nil {
			return nil, fmt.Errorf("InitiatePayment: %w", err)
		}
	}

	dedup, err := s.replayDedup(ctx, idempotencyToken, "InitiatePayment")
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	if dedup != nil {
		var replayed model.PaymentRecord
		if err := json.Unmarshal([]byte(dedup.Outcome), &replayed); err != nil {
			return nil, fmt.Errorf("InitiatePayment: failed to unmarshal replayed outcome for token '%s': %w", idempotencyToken, err)
		}
		return &replayed, nil
	}

	var arg struct {
		CertificateNumber string  `json:"certificateNumber"`
		OrganizationName  string  `json:"organizationName"`
		Amount            float64 `json:"amount"`
		Currency          string  `json:"currency"`
		PaymentMethod     string  `json:"paymentMethod"`
	}
	if err := json.Unmarshal([]byte(paymentJSON), &arg); err != nil {
		return nil, errf(KindValidationFailed, "invalid paymentJSON: %v", err)
	}
	if err := s.validateRequiredString(arg.CertificateNumber, "payment.certificateNumber", maxStringInputLength); err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	if err := s.validateRequiredString(arg.OrganizationName, "payment.organizationName", maxStringInputLength); err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	if err := s.validateRequiredString(arg.PaymentMethod, "payment.paymentMethod", maxStringInputLength); err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	if arg.Amount <= 0 {
		return nil, errf(KindValidationFailed, "payment.amount must be positive")
	}

	cfg, err := s.loadLedgerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	currency := strings.ToUpper(strings.TrimSpace(arg.Currency))
	if currency == "" {
		currency = cfg.FeeCurrency
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: failed to get timestamp: %w", err)
	}

	paymentID := "PAY-" + strings.TrimSpace(idempotencyToken)
	paymentKey, err := s.createPaymentKey(ctx, paymentID)
	if err != nil {
		return nil, errf(KindValidationFailed, "InitiatePayment: %v", err)
	}
	existing, err := ctx.GetStub().GetState(paymentKey)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: failed to check for existing payment '%s': %w", paymentID, err)
	}
	if existing != nil {
		return nil, errf(KindValidationFailed, "payment '%s' already exists", paymentID)
	}

	payment := &model.PaymentRecord{
		ObjectType:        paymentObjectType,
		PaymentID:         paymentID,
		Amount:            arg.Amount,
		Currency:          currency,
		PaymentMethod:     strings.TrimSpace(arg.PaymentMethod),
		Status:            model.PaymentStatusInitiated,
		OrganizationName:  strings.TrimSpace(arg.OrganizationName),
		CertificateNumber: strings.TrimSpace(arg.CertificateNumber),
		Metadata:          map[string]string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	paymentBytes, err := json.Marshal(payment)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: failed to marshal payment '%s': %w", paymentID, err)
	}
	if err := ctx.GetStub().PutState(paymentKey, paymentBytes); err != nil {
		return nil, fmt.Errorf("InitiatePayment: failed to save payment '%s': %w", paymentID, err)
	}

	if err := s.recordDedup(ctx, idempotencyToken, "InitiatePayment", paymentID, payment); err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	s.emitPaymentEvent(ctx, "PaymentStatusChanged", payment)
	logger.Infof("InitiatePayment: payment '%s' initiated for certificate '%s'", paymentID, payment.CertificateNumber)
	return payment, nil
}

// MarkPaymentProcessing moves a payment to PROCESSING. Settlement role only.
func (s *CredTraceSmartContract) MarkPaymentProcessing(ctx contractapi.TransactionContextInterface, paymentID string, idempotencyToken string) (*model.PaymentRecord, error) {
	return s.transitionPayment(ctx, "MarkPaymentProcessing", paymentID, model.PaymentStatusProcessing, idempotencyToken, func(p *model.PaymentRecord) {})
}

// MarkPaymentSucceeded moves a payment to SUCCEEDED and records the gateway's
// transaction reference. Settlement role only. Terminal.
func (s *CredTraceSmartContract) MarkPaymentSucceeded(ctx contractapi.TransactionContextInterface, paymentID, transactionID string, idempotencyToken string) (*model.PaymentRecord, error) {
	if err := s.validateRequiredString(transactionID, "transactionId", maxStringInputLength); err != nil {
		return nil, fmt.Errorf("MarkPaymentSucceeded: %w", err)
	}
	return s.transitionPayment(ctx, "MarkPaymentSucceeded", paymentID, model.PaymentStatusSucceeded, idempotencyToken, func(p *model.PaymentRecord) {
		p.TransactionID = strings.TrimSpace(transactionID)
	})
}

// MarkPaymentFailed moves a payment to FAILED and, when the payment is linked to
// a verification ticket, records PAYMENT_FAILED on the ticket for audit.
// Settlement role only. Terminal.
func (s *CredTraceSmartContract) MarkPaymentFailed(ctx contractapi.TransactionContextInterface, paymentID, reason string, idempotencyToken string) (*model.PaymentRecord, error) {
	if err := s.validateRequiredString(reason, "failureReason", maxReasonLength); err != nil {
		return nil, fmt.Errorf("MarkPaymentFailed: %w", err)
	}
	payment, err := s.transitionPayment(ctx, "MarkPaymentFailed", paymentID, model.PaymentStatusFailed, idempotencyToken, func(p *model.PaymentRecord) {
		p.FailureReason = strings.TrimSpace(reason)
	})
	if err != nil {
		return nil, err
	}

	if requestID := payment.Metadata[metaRequestIDKey]; requestID != "" {
		if err := s.markTicketPaymentFailed(ctx, requestID); err != nil {
			return nil, fmt.Errorf("MarkPaymentFailed: %w", err)
		}
	}
	return payment, nil
}

// transitionPayment applies one settlement transition with role check, dedup
// replay, and monotonicity enforcement. mutate runs only on a real transition.
func (s *CredTraceSmartContract) transitionPayment(ctx contractapi.TransactionContextInterface, function, paymentID string, target model.PaymentStatus, idempotencyToken string, mutate func(*model.PaymentRecord)) (*model.PaymentRecord, error) {
	logger.Infof("%s: called for payment '%s' with token '%s'", function, paymentID, idempotencyToken)
	im := NewIdentityManager(ctx)

	if err := im.RequireRole("settlement"); err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}

	dedup, err := s.replayDedup(ctx, idempotencyToken, function)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}
	if dedup != nil {
		var replayed model.PaymentRecord
		if err := json.Unmarshal([]byte(dedup.Outcome), &replayed); err != nil {
			return nil, fmt.Errorf("%s: failed to unmarshal replayed outcome for token '%s': %w", function, idempotencyToken, err)
		}
		return &replayed, nil
	}

	payment, err := s.getPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}

	if payment.Status == target {
		logger.Infof("%s: payment '%s' already %s. No action taken.", function, paymentID, target)
		if err := s.recordDedup(ctx, idempotencyToken, function, paymentID, payment); err != nil {
			return nil, fmt.Errorf("%s: %w", function, err)
		}
		return payment, nil
	}
	if !isValidPaymentTransition(payment.Status, target) {
		return nil, errf(KindInvalidTransition, "payment '%s' cannot move from %s to %s", paymentID, payment.Status, target)
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get timestamp: %w", function, err)
	}
	payment.Status = target
	payment.UpdatedAt = now
	mutate(payment)
	ensurePaymentSchemaCompliance(payment)

	paymentKey, err := s.createPaymentKey(ctx, paymentID)
	if err != nil {
		return nil, errf(KindValidationFailed, "%s: %v", function, err)
	}
	paymentBytes, err := json.Marshal(payment)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal payment '%s': %w", function, paymentID, err)
	}
	if err := ctx.GetStub().PutState(paymentKey, paymentBytes); err != nil {
		return nil, fmt.Errorf("%s: failed to save payment '%s': %w", function, paymentID, err)
	}

	if err := s.recordDedup(ctx, idempotencyToken, function, paymentID, payment); err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}
	s.emitPaymentEvent(ctx, "PaymentStatusChanged", payment)
	logger.Infof("%s: payment '%s' is now %s", function, paymentID, target)
	return payment, nil
}

// markTicketPaymentFailed stamps PAYMENT_FAILED on the linked ticket. Tickets
// already terminal (completed or mismatch) are left alone.
func (s *CredTraceSmartContract) markTicketPaymentFailed(ctx contractapi.TransactionContextInterface, requestID string) error {
	ticket, err := s.getTicketByRequestID(ctx, requestID)
	if err != nil {
		return err
	}
	if ticket.Status != model.VerifStatusPendingPayment {
		logger.Debugf("markTicketPaymentFailed: ticket '%s' is %s, not PENDING_PAYMENT. Leaving unchanged.", requestID, ticket.Status)
		return nil
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return err
	}
	ticket.Status = model.VerifStatusPaymentFailed
	ticket.LastUpdatedAt = now

	ticketKey, err := s.createTicketKey(ctx, requestID)
	if err != nil {
		return errf(KindValidationFailed, "%v", err)
	}
	ticketBytes, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket '%s': %w", requestID, err)
	}
	if err := ctx.GetStub().PutState(ticketKey, ticketBytes); err != nil {
		return fmt.Errorf("failed to save ticket '%s': %w", requestID, err)
	}
	logger.Infof("markTicketPaymentFailed: ticket '%s' marked PAYMENT_FAILED", requestID)
	return nil
}
