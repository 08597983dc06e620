package model

import "time"

// CertificateStatus defines the possible states of an attested certificate.
type CertificateStatus string

const (
	CertStatusActive  CertificateStatus = "ACTIVE"  // Certificate attested and in force
	CertStatusRevoked CertificateStatus = "REVOKED" // Certificate revoked by the issuing university
	CertStatusExpired CertificateStatus = "EXPIRED" // Derived at read time from ExpiryDate, never stored
)

// VerificationStatus defines the possible states of a verification ticket.
type VerificationStatus string

const (
	VerifStatusPendingPayment    VerificationStatus = "PENDING_PAYMENT"    // Awaiting payment settlement
	VerifStatusCompleted         VerificationStatus = "COMPLETED"          // Result released to the requester
	VerifStatusPaymentFailed     VerificationStatus = "PAYMENT_FAILED"     // Settlement failed, nothing released
	VerifStatusIntegrityMismatch VerificationStatus = "INTEGRITY_MISMATCH" // Supplied hash did not match the ledger record
)

// CertificateRecord is the canonical, hashed representation of one degree's attested facts.
// Substantive fields (everything hashed) are immutable after attestation; only Status,
// RevocationReason and the bookkeeping timestamps may change.
type CertificateRecord struct {
	ObjectType           string            `json:"objectType"` // "Certificate"
	CertificateNumber    string            `json:"certificateNumber"`
	StudentID            string            `json:"studentId"`
	StudentName          string            `json:"studentName"`
	DegreeName           string            `json:"degreeName"`
	FacultyName          string            `json:"facultyName"`
	DegreeClassification string            `json:"degreeClassification"`
	IssuanceDate         time.Time         `json:"issuanceDate"`
	ExpiryDate           time.Time         `json:"expiryDate"` // Zero when the certificate never expires
	Notes                string            `json:"notes"`
	ContentHash          string            `json:"contentHash"` // Lowercase hex SHA-256 over the canonical payload
	Status               CertificateStatus `json:"status"`
	IssuerID             string            `json:"issuerId"` // Full ID of the attesting university identity
	IssuerAlias          string            `json:"issuerAlias"`
	RevocationReason     string            `json:"revocationReason"`
	RevokedAt            time.Time         `json:"revokedAt"`
	CreatedAt            time.Time         `json:"createdAt"`
	LastUpdatedAt        time.Time         `json:"lastUpdatedAt"`
	History              []HistoryEntry    `json:"history"` // Populated by GetCertificateHistory only
}

// VerificationTicket is the audit artifact of one employer verification request.
// The computed outcome is stored here at request time but only disclosed through
// CompleteVerification once the linked payment settles.
type VerificationTicket struct {
	ObjectType           string             `json:"objectType"` // "VerificationTicket"
	RequestID            string             `json:"requestId"`
	CertificateNumber    string             `json:"certificateNumber"`
	VerifierOrganization string             `json:"verifierOrganization"`
	VerifierEmail        string             `json:"verifierEmail"`
	RequesterID          string             `json:"requesterId"` // Full ID of the requesting employer identity
	PaymentID            string             `json:"paymentId"`
	ProvidedHash         string             `json:"providedHash"`
	Status               VerificationStatus `json:"status"`
	IsValid              bool               `json:"isValid"` // Computed at request time, withheld until payment settles
	RefundEligible       bool               `json:"refundEligible"`
	Notes                string             `json:"notes"`
	CreatedAt            time.Time          `json:"createdAt"`
	LastUpdatedAt        time.Time          `json:"lastUpdatedAt"`
}

// VerificationResult is released to the requester only after the payment gate clears.
// Detail fields stay empty on negative integrity outcomes.
type VerificationResult struct {
	RequestID            string             `json:"requestId"`
	CertificateNumber    string             `json:"certificateNumber"`
	Status               VerificationStatus `json:"status"`
	IsValid              bool               `json:"isValid"`
	CertificateStatus    CertificateStatus  `json:"certificateStatus,omitempty"`
	StudentName          string             `json:"studentName,omitempty"`
	DegreeName           string             `json:"degreeName,omitempty"`
	FacultyName          string             `json:"facultyName,omitempty"`
	DegreeClassification string             `json:"degreeClassification,omitempty"`
	IssuanceDate         string             `json:"issuanceDate,omitempty"`
	ContentHash          string             `json:"contentHash,omitempty"`
}

// VerificationAck is the non-committal response returned before payment settles.
type VerificationAck struct {
	RequestID         string             `json:"requestId"`
	CertificateNumber string             `json:"certificateNumber"`
	PaymentID         string             `json:"paymentId"`
	Status            VerificationStatus `json:"status"`
}

// HistoryEntry represents one historical state of a certificate on the ledger.
type HistoryEntry struct {
	TxID      string    `json:"txId"`
	Timestamp time.Time `json:"timestamp"`
	IsDelete  bool      `json:"isDelete"`
	Value     string    `json:"value"` // Raw JSON value of the record at that time
	Action    string    `json:"action"`
}

// IntegrityReport is returned by CheckCertificateIntegrity.
type IntegrityReport struct {
	CertificateNumber string `json:"certificateNumber"`
	StoredHash        string `json:"storedHash"`
	ComputedHash      string `json:"computedHash"`
	Intact            bool   `json:"intact"`
}

// PaginatedCertificateResponse is the structure returned by paginated certificate queries.
type PaginatedCertificateResponse struct {
	Certificates []*CertificateRecord `json:"certificates"`
	NextBookmark string               `json:"nextBookmark"`
	FetchedCount int32                `json:"fetchedCount"`
}
