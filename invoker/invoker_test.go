package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"credtrace/contract"
	"credtrace/model"
)

func testConfig() Config {
	return Config{
		MaxRetries:     4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SubmitTimeout:  time.Second,
	}
}

func TestSubmitAppendsTokenAndReusesItAcrossRetries(t *testing.T) {
	gw := NewMemGateway()
	gw.FailuresBeforeSuccess["AttestCertificate"] = 2
	gw.Handle("AttestCertificate", func(args ...string) ([]byte, error) {
		return []byte(`{}`), nil
	})
	inv := New(gw, testConfig(), nil)

	if _, err := inv.Submit(context.Background(), "AttestCertificate", "payload"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	calls := gw.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 attempts (2 transient failures + success), got %d", len(calls))
	}
	firstToken := calls[0].Args[len(calls[0].Args)-1]
	if firstToken == "" {
		t.Fatal("expected a generated idempotency token as the final argument")
	}
	for i, call := range calls {
		if !call.Submit {
			t.Errorf("attempt %d was not a submit", i)
		}
		if got := call.Args[len(call.Args)-1]; got != firstToken {
			t.Errorf("attempt %d used token %q, want %q", i, got, firstToken)
		}
	}
}

func TestSubmitWithTokenUsesCallerToken(t *testing.T) {
	gw := NewMemGateway()
	gw.Handle("RevokeCertificate", func(args ...string) ([]byte, error) {
		return []byte(`{}`), nil
	})
	inv := New(gw, testConfig(), nil)

	if _, err := inv.SubmitWithToken(context.Background(), "RevokeCertificate", "tok-stable", "CERT-1", "fraud"); err != nil {
		t.Fatalf("SubmitWithToken failed: %v", err)
	}

	calls := gw.Calls()
	want := []string{"CERT-1", "fraud", "tok-stable"}
	if len(calls) != 1 || len(calls[0].Args) != len(want) {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	for i, arg := range want {
		if calls[0].Args[i] != arg {
			t.Errorf("arg %d = %q, want %q", i, calls[0].Args[i], arg)
		}
	}
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	gw := NewMemGateway()
	gw.Handle("AttestCertificate", func(args ...string) ([]byte, error) {
		return nil, errors.New("AttestCertificate: DUPLICATE_CERTIFICATE: certificate 'CERT-1' already exists")
	})
	inv := New(gw, testConfig(), nil)

	_, err := inv.Submit(context.Background(), "AttestCertificate", "payload")
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != contract.KindDuplicateCertificate {
		t.Errorf("expected DUPLICATE_CERTIFICATE kind, got %v", err)
	}
	if got := len(gw.Calls()); got != 1 {
		t.Errorf("business error retried: %d attempts", got)
	}
}

func TestLedgerUnavailableIsRetried(t *testing.T) {
	gw := NewMemGateway()
	attempts := 0
	gw.Handle("RequestVerification", func(args ...string) ([]byte, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("RequestVerification: LEDGER_UNAVAILABLE: state database timeout")
		}
		return []byte(`{"requestId":"VR-1"}`), nil
	})
	inv := New(gw, testConfig(), nil)

	out, err := inv.Submit(context.Background(), "RequestVerification", "payload")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	var ack model.VerificationAck
	if err := json.Unmarshal(out, &ack); err != nil || ack.RequestID != "VR-1" {
		t.Errorf("unexpected payload %s (err %v)", out, err)
	}
}

func TestRetriesExhaust(t *testing.T) {
	gw := NewMemGateway()
	cfg := testConfig()
	cfg.MaxRetries = 2
	gw.FailuresBeforeSuccess["GetCertificate"] = 10
	inv := New(gw, cfg, nil)

	_, err := inv.Evaluate(context.Background(), "GetCertificate", "CERT-1")
	if err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if KindOf(err) != contract.KindLedgerUnavailable {
		t.Errorf("expected exhausted transport failure to surface LEDGER_UNAVAILABLE, got %v", err)
	}
	// MaxRetries bounds retries, so attempts is retries + 1.
	if got := len(gw.Calls()); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitPlainAppendsNoToken(t *testing.T) {
	gw := NewMemGateway()
	gw.Handle("CompleteVerification", func(args ...string) ([]byte, error) {
		return []byte(`{"status":"PENDING_PAYMENT"}`), nil
	})
	inv := New(gw, testConfig(), nil)

	if _, err := inv.SubmitPlain(context.Background(), "CompleteVerification", "VR-1"); err != nil {
		t.Fatalf("SubmitPlain failed: %v", err)
	}
	calls := gw.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if len(calls[0].Args) != 1 || calls[0].Args[0] != "VR-1" {
		t.Errorf("expected bare requestId argument, got %v", calls[0].Args)
	}
}

func TestEvaluateIsNotASubmit(t *testing.T) {
	gw := NewMemGateway()
	gw.Handle("GetCertificate", func(args ...string) ([]byte, error) {
		return []byte(`{"certificateNumber":"CERT-1"}`), nil
	})
	inv := New(gw, testConfig(), nil)

	record, err := inv.GetCertificate(context.Background(), "CERT-1")
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if record.CertificateNumber != "CERT-1" {
		t.Errorf("unexpected record %+v", record)
	}
	calls := gw.Calls()
	if len(calls) != 1 || calls[0].Submit {
		t.Errorf("expected a single evaluate call, got %+v", calls)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	gw := NewMemGateway()
	gw.FailuresBeforeSuccess["AttestCertificate"] = 100
	inv := New(gw, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Submit(ctx, "AttestCertificate", "payload")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestTypedWrapperDecodesAck(t *testing.T) {
	gw := NewMemGateway()
	gw.Handle("RequestVerification", func(args ...string) ([]byte, error) {
		ack := model.VerificationAck{RequestID: "VR-abc", PaymentID: "PAY-abc", Status: model.VerifStatusPendingPayment}
		return json.Marshal(ack)
	})
	inv := New(gw, testConfig(), nil)

	ack, err := inv.RequestVerification(context.Background(), map[string]any{
		"certificateNumber": "CERT-1",
		"organizationName":  "Acme Corp",
	})
	if err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	if ack.RequestID != "VR-abc" || ack.PaymentID != "PAY-abc" || ack.Status != model.VerifStatusPendingPayment {
		t.Errorf("unexpected ack %+v", ack)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want contract.Kind
	}{
		{nil, ""},
		{errors.New("dial tcp: connection refused"), ""},
		{errors.New("AttestCertificate: VALIDATION_FAILED: certificateNumber is required"), contract.KindValidationFailed},
		{errors.New("GetCertificate: NOT_FOUND: certificate 'X' does not exist"), contract.KindNotFound},
		{errors.New("CompleteVerification: PAYMENT_FAILED: payment 'PAY-1' failed"), contract.KindPaymentFailed},
	}
	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestNewTokenIsUnique(t *testing.T) {
	a, b := NewToken(), NewToken()
	if a == "" || a == b {
		t.Errorf("tokens not unique: %q vs %q", a, b)
	}
}
