package contract

import (
	"testing"

	"credtrace/model"
)

func openPayment(t *testing.T, stub *mockStub, sc *CredTraceSmartContract) string {
	t.Helper()
	attestSample(t, stub, sc)
	empCtx := newTestContext(stub, employerID)
	ack, err := sc.RequestVerification(empCtx, sampleRequestJSON, "tok-pay-setup")
	if err != nil {
		t.Fatalf("RequestVerification setup failed: %v", err)
	}
	return ack.PaymentID
}

func TestPaymentLifecycle(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	paymentID := openPayment(t, stub, sc)
	payCtx := newTestContext(stub, settlementID)

	payment, err := sc.MarkPaymentProcessing(payCtx, paymentID, "tok-pl-1")
	if err != nil {
		t.Fatalf("MarkPaymentProcessing failed: %v", err)
	}
	if payment.Status != model.PaymentStatusProcessing {
		t.Errorf("expected PROCESSING, got %s", payment.Status)
	}

	payment, err = sc.MarkPaymentSucceeded(payCtx, paymentID, "gw-tx-1", "tok-pl-2")
	if err != nil {
		t.Fatalf("MarkPaymentSucceeded failed: %v", err)
	}
	if payment.Status != model.PaymentStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", payment.Status)
	}
	if payment.TransactionID != "gw-tx-1" {
		t.Errorf("expected transaction ID gw-tx-1, got %q", payment.TransactionID)
	}
	if _, ok := stub.events["PaymentStatusChanged"]; !ok {
		t.Error("expected PaymentStatusChanged event")
	}
}

func TestPaymentSynchronousSettlementSkipsProcessing(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	payCtx := newTestContext(stub, settlementID)

	// Synchronous gateways report only the terminal callback, so an INITIATED
	// payment may be settled without ever being marked PROCESSING.
	succeededID := openPayment(t, stub, sc)
	payment, err := sc.MarkPaymentSucceeded(payCtx, succeededID, "gw-tx-sync", "tok-ps-1")
	if err != nil {
		t.Fatalf("MarkPaymentSucceeded from INITIATED failed: %v", err)
	}
	if payment.Status != model.PaymentStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", payment.Status)
	}

	empCtx := newTestContext(stub, employerID)
	ack, err := sc.RequestVerification(empCtx, sampleRequestJSON, "tok-ps-open-2")
	if err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	payment, err = sc.MarkPaymentFailed(payCtx, ack.PaymentID, "card declined", "tok-ps-2")
	if err != nil {
		t.Fatalf("MarkPaymentFailed from INITIATED failed: %v", err)
	}
	if payment.Status != model.PaymentStatusFailed {
		t.Errorf("expected FAILED, got %s", payment.Status)
	}
}

func TestPaymentInvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	paymentID := openPayment(t, stub, sc)
	payCtx := newTestContext(stub, settlementID)

	if _, err := sc.MarkPaymentSucceeded(payCtx, paymentID, "gw-tx-1", "tok-pi-1"); err != nil {
		t.Fatalf("MarkPaymentSucceeded failed: %v", err)
	}

	// Terminal states reject further transitions.
	_, err := sc.MarkPaymentFailed(payCtx, paymentID, "too late", "tok-pi-2")
	if KindOf(err) != KindInvalidTransition {
		t.Errorf("expected INVALID_TRANSITION failing a succeeded payment, got %v", err)
	}
	_, err = sc.MarkPaymentProcessing(payCtx, paymentID, "tok-pi-3")
	if KindOf(err) != KindInvalidTransition {
		t.Errorf("expected INVALID_TRANSITION reprocessing a succeeded payment, got %v", err)
	}

	stored, err := sc.getPaymentByID(newTestContext(stub, settlementID), paymentID)
	if err != nil {
		t.Fatalf("getPaymentByID failed: %v", err)
	}
	if stored.Status != model.PaymentStatusSucceeded || stored.TransactionID != "gw-tx-1" {
		t.Errorf("rejected transition mutated the payment: %+v", stored)
	}
	if stored.FailureReason != "" {
		t.Errorf("failure reason set despite rejected transition: %q", stored.FailureReason)
	}
}

func TestPaymentRedeliveredCallbackIsNoop(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	paymentID := openPayment(t, stub, sc)
	payCtx := newTestContext(stub, settlementID)

	if _, err := sc.MarkPaymentProcessing(payCtx, paymentID, "tok-pr-1"); err != nil {
		t.Fatalf("MarkPaymentProcessing failed: %v", err)
	}
	// Same callback with a fresh token: current status is re-marked, no error.
	payment, err := sc.MarkPaymentProcessing(payCtx, paymentID, "tok-pr-2")
	if err != nil {
		t.Fatalf("redelivered MarkPaymentProcessing failed: %v", err)
	}
	if payment.Status != model.PaymentStatusProcessing {
		t.Errorf("expected PROCESSING, got %s", payment.Status)
	}

	// Same token replays the stored outcome.
	replayed, err := sc.MarkPaymentProcessing(payCtx, paymentID, "tok-pr-1")
	if err != nil {
		t.Fatalf("replayed MarkPaymentProcessing failed: %v", err)
	}
	if replayed.Status != model.PaymentStatusProcessing {
		t.Errorf("expected replayed PROCESSING, got %s", replayed.Status)
	}
}

func TestPaymentSettlementRoleRequired(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	paymentID := openPayment(t, stub, sc)

	for _, caller := range []string{employerID, universityID, outsiderID} {
		ctx := newTestContext(stub, caller)
		_, err := sc.MarkPaymentSucceeded(ctx, paymentID, "gw-tx-x", "tok-pro-"+caller)
		if KindOf(err) != KindUnauthorized {
			t.Errorf("expected UNAUTHORIZED for %s, got %v", caller, err)
		}
	}

	// Admins bypass the settlement role requirement.
	if _, err := sc.MarkPaymentSucceeded(newTestContext(stub, adminID), paymentID, "gw-tx-x", "tok-pro-admin"); err != nil {
		t.Fatalf("admin MarkPaymentSucceeded failed: %v", err)
	}
}

func TestInitiateStandalonePayment(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	payCtx := newTestContext(stub, settlementID)

	payment, err := sc.InitiatePayment(payCtx, `{
		"certificateNumber": "CERT-2024-001",
		"organizationName": "Acme Corp",
		"amount": 25.0,
		"paymentMethod": "invoice"
	}`, "tok-ip-1")
	if err != nil {
		t.Fatalf("InitiatePayment failed: %v", err)
	}
	if payment.PaymentID != "PAY-tok-ip-1" {
		t.Errorf("unexpected payment ID %s", payment.PaymentID)
	}
	if payment.Status != model.PaymentStatusInitiated {
		t.Errorf("expected INITIATED, got %s", payment.Status)
	}
	if payment.Currency != "USD" {
		t.Errorf("expected default currency USD, got %s", payment.Currency)
	}

	_, err = sc.InitiatePayment(payCtx, `{"certificateNumber":"X","organizationName":"Y","amount":-1,"paymentMethod":"card"}`, "tok-ip-2")
	if KindOf(err) != KindValidationFailed {
		t.Errorf("expected VALIDATION_FAILED for negative amount, got %v", err)
	}
}

func TestUnknownPaymentNotFound(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	payCtx := newTestContext(stub, settlementID)

	_, err := sc.MarkPaymentSucceeded(payCtx, "PAY-missing", "gw-tx-1", "tok-un-1")
	if KindOf(err) != KindNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetPaymentAccessControl(t *testing.T) {
	stub, sc := newBootstrappedLedger(t)
	paymentID := openPayment(t, stub, sc)

	for _, allowed := range []string{settlementID, auditorID, adminID} {
		if _, err := sc.GetPayment(newTestContext(stub, allowed), paymentID); err != nil {
			t.Errorf("expected %s to view the payment, got %v", allowed, err)
		}
	}
	_, err := sc.GetPayment(newTestContext(stub, employerID), paymentID)
	if KindOf(err) != KindUnauthorized {
		t.Errorf("expected UNAUTHORIZED for employer, got %v", err)
	}
}
