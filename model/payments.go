package model

import "time"

// PaymentStatus defines the possible states of a payment record.
// Transitions are monotonic: INITIATED -> PROCESSING -> {SUCCEEDED | FAILED}.
type PaymentStatus string

const (
	PaymentStatusInitiated  PaymentStatus = "INITIATED"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
)

// PaymentRecord tracks one verification fee from initiation to terminal settlement.
// Records are retained indefinitely for audit and never deleted.
type PaymentRecord struct {
	ObjectType        string            `json:"objectType"` // "Payment"
	PaymentID         string            `json:"paymentId"`
	Amount            float64           `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentMethod     string            `json:"paymentMethod"`
	Status            PaymentStatus     `json:"status"`
	OrganizationName  string            `json:"organizationName"`
	CertificateNumber string            `json:"certificateNumber"`
	TransactionID     string            `json:"transactionId"` // Set when the gateway reports success
	FailureReason     string            `json:"failureReason"` // Set when the gateway reports failure
	Metadata          map[string]string `json:"metadata"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// DedupRecord pins a caller-supplied idempotency token to the outcome of the submission
// that first carried it. A retried submission inside the dedup window replays the stored
// outcome instead of reapplying the mutation.
type DedupRecord struct {
	ObjectType  string    `json:"objectType"` // "TxDedup"
	Token       string    `json:"token"`
	TxID        string    `json:"txId"`
	Function    string    `json:"function"`
	Key         string    `json:"key"`     // certificateNumber or paymentId the mutation targeted
	Outcome     string    `json:"outcome"` // JSON of the originally returned value, if any
	CommittedAt time.Time `json:"committedAt"`
}

// LedgerConfig holds the admin-tunable policy knobs stored on the ledger.
type LedgerConfig struct {
	ObjectType       string  `json:"objectType"` // "Config"
	DedupWindowHours int     `json:"dedupWindowHours"`
	VerificationFee  float64 `json:"verificationFee"`
	FeeCurrency      string  `json:"feeCurrency"`
}
