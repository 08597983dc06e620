// Package invoker is the client-side boundary in front of the ledger. It
// generates idempotency tokens, retries ambiguous submissions with exponential
// backoff while reusing the same token, and classifies chaincode errors that
// arrive as plain strings over the gateway.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"credtrace/contract"
	"credtrace/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway abstracts the Fabric gateway connection. Submit sends an endorsing
// transaction; Evaluate runs a read-only query on a single peer. Cancelling the
// context stops delivery of the result only: a submission already handed to the
// ordering service may still commit, which is why mutations carry idempotency
// tokens.
type Gateway interface {
	Submit(ctx context.Context, fn string, args ...string) ([]byte, error)
	Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error)
}

// Invoker wraps a Gateway with retry, timeout, and token management.
type Invoker struct {
	gw  Gateway
	cfg Config
	log *zap.Logger
}

// New builds an Invoker. A nil logger falls back to zap.NewNop.
func New(gw Gateway, cfg Config, log *zap.Logger) *Invoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{gw: gw, cfg: cfg, log: log}
}

// NewToken returns a fresh idempotency token. One token covers one logical
// mutation across all of its retries.
func NewToken() string {
	return uuid.NewString()
}

// KindOf classifies a gateway error by the kind tag embedded in its message.
func KindOf(err error) contract.Kind {
	if err == nil {
		return ""
	}
	return contract.KindFromMessage(err.Error())
}

// retryable reports whether an error from the gateway may succeed on retry.
// Kinded business errors are final; only transport trouble and explicit
// LEDGER_UNAVAILABLE responses are worth retrying.
func retryable(err error) bool {
	switch contract.KindFromMessage(err.Error()) {
	case "", contract.KindLedgerUnavailable:
		return true
	default:
		return false
	}
}

// Submit sends fn with the given args plus a generated idempotency token as
// the final argument, retrying transient failures with exponential backoff.
// Every attempt carries the same token so the chaincode's dedup window
// collapses duplicates from ambiguous timeouts.
func (inv *Invoker) Submit(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return inv.SubmitWithToken(ctx, fn, NewToken(), args...)
}

// SubmitWithToken is Submit with a caller-supplied token, for callers that
// persist the token themselves to survive process restarts.
func (inv *Invoker) SubmitWithToken(ctx context.Context, fn, token string, args ...string) ([]byte, error) {
	fullArgs := append(append([]string{}, args...), token)
	return inv.retry(ctx, fn, token, func(attemptCtx context.Context) ([]byte, error) {
		return inv.gw.Submit(attemptCtx, fn, fullArgs...)
	})
}

// SubmitPlain submits without appending a token, for chaincode functions that
// are already idempotent by construction (for example CompleteVerification).
func (inv *Invoker) SubmitPlain(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return inv.retry(ctx, fn, "", func(attemptCtx context.Context) ([]byte, error) {
		return inv.gw.Submit(attemptCtx, fn, args...)
	})
}

// Evaluate runs a read-only query with the same retry policy. Queries carry no
// token; they are naturally idempotent.
func (inv *Invoker) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return inv.retry(ctx, fn, "", func(attemptCtx context.Context) ([]byte, error) {
		return inv.gw.Evaluate(attemptCtx, fn, args...)
	})
}

// retry drives one gateway call through the configured backoff policy.
func (inv *Invoker) retry(ctx context.Context, fn, token string, call func(context.Context) ([]byte, error)) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = inv.cfg.InitialBackoff
	bo.MaxInterval = inv.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	var result []byte
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, inv.cfg.SubmitTimeout)
		defer cancel()

		start := time.Now()
		out, err := call(attemptCtx)
		if err != nil {
			inv.log.Warn("invocation attempt failed",
				zap.String("fn", fn),
				zap.String("token", token),
				zap.Int("attempt", attempt),
				zap.String("kind", string(contract.KindFromMessage(err.Error()))),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out
		inv.log.Info("invocation succeeded",
			zap.String("fn", fn),
			zap.String("token", token),
			zap.Int("attempt", attempt),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, inv.cfg.MaxRetries), ctx)); err != nil {
		// Exhausted transport failures become LEDGER_UNAVAILABLE so callers can
		// tell an unreachable ledger from a business rejection. Kinded errors
		// pass through untouched.
		if contract.KindFromMessage(err.Error()) == "" {
			return nil, &contract.Error{
				Kind: contract.KindLedgerUnavailable,
				Err:  fmt.Errorf("%s failed after %d attempt(s): %w", fn, attempt, err),
			}
		}
		return nil, fmt.Errorf("%s failed after %d attempt(s): %w", fn, attempt, err)
	}
	return result, nil
}

// --- Typed convenience wrappers ---

// AttestCertificate submits a degree attestation and decodes the stored record.
func (inv *Invoker) AttestCertificate(ctx context.Context, submission any) (*model.CertificateRecord, error) {
	submissionJSON, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	out, err := inv.Submit(ctx, "AttestCertificate", string(submissionJSON))
	if err != nil {
		return nil, err
	}
	var record model.CertificateRecord
	if err := json.Unmarshal(out, &record); err != nil {
		return nil, fmt.Errorf("failed to decode attested certificate: %w", err)
	}
	return &record, nil
}

// RevokeCertificate submits a revocation and decodes the updated record.
func (inv *Invoker) RevokeCertificate(ctx context.Context, certificateNumber, reason string) (*model.CertificateRecord, error) {
	out, err := inv.Submit(ctx, "RevokeCertificate", certificateNumber, reason)
	if err != nil {
		return nil, err
	}
	var record model.CertificateRecord
	if err := json.Unmarshal(out, &record); err != nil {
		return nil, fmt.Errorf("failed to decode revoked certificate: %w", err)
	}
	return &record, nil
}

// RequestVerification opens a paid verification and decodes the acknowledgment.
func (inv *Invoker) RequestVerification(ctx context.Context, request any) (*model.VerificationAck, error) {
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verification request: %w", err)
	}
	out, err := inv.Submit(ctx, "RequestVerification", string(requestJSON))
	if err != nil {
		return nil, err
	}
	var ack model.VerificationAck
	if err := json.Unmarshal(out, &ack); err != nil {
		return nil, fmt.Errorf("failed to decode verification ack: %w", err)
	}
	return &ack, nil
}

// CompleteVerification attempts to collect a verification result. The result
// carries PENDING_PAYMENT until the linked payment settles.
func (inv *Invoker) CompleteVerification(ctx context.Context, requestID string) (*model.VerificationResult, error) {
	out, err := inv.SubmitPlain(ctx, "CompleteVerification", requestID)
	if err != nil {
		return nil, err
	}
	var result model.VerificationResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to decode verification result: %w", err)
	}
	return &result, nil
}

// GetCertificate reads the attested record with its effective status.
func (inv *Invoker) GetCertificate(ctx context.Context, certificateNumber string) (*model.CertificateRecord, error) {
	out, err := inv.Evaluate(ctx, "GetCertificate", certificateNumber)
	if err != nil {
		return nil, err
	}
	var record model.CertificateRecord
	if err := json.Unmarshal(out, &record); err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	return &record, nil
}
