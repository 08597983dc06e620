package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"credtrace/model"
)

// Canonicalization contract: the attesting and verifying parties must derive the
// same bytes from the same substantive fields, forever. Field order, the date
// format and the trimming rule below are therefore frozen; status and the
// bookkeeping timestamps are deliberately excluded.
const canonicalDateLayout = "2006-01-02"

// canonicalCertificatePayload serializes the substantive fields of a certificate
// into the canonical byte form that gets hashed.
func canonicalCertificatePayload(r *model.CertificateRecord) []byte {
	expiry := ""
	if !r.ExpiryDate.IsZero() {
		expiry = r.ExpiryDate.UTC().Format(canonicalDateLayout)
	}
	lines := []string{
		"certificateNumber=" + strings.TrimSpace(r.CertificateNumber),
		"studentId=" + strings.TrimSpace(r.StudentID),
		"studentName=" + strings.TrimSpace(r.StudentName),
		"degreeName=" + strings.TrimSpace(r.DegreeName),
		"facultyName=" + strings.TrimSpace(r.FacultyName),
		"degreeClassification=" + strings.TrimSpace(r.DegreeClassification),
		"issuanceDate=" + r.IssuanceDate.UTC().Format(canonicalDateLayout),
		"expiryDate=" + expiry,
		"notes=" + strings.TrimSpace(r.Notes),
	}
	return []byte(strings.Join(lines, "\n"))
}

// hashPayload returns the lowercase hex SHA-256 digest of payload. An empty
// payload is valid and hashes to the function's defined empty-input digest.
func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// verifyPayloadDigest recomputes the digest of payload and compares it to
// expected, case-insensitively.
func verifyPayloadDigest(payload []byte, expected string) bool {
	return strings.EqualFold(hashPayload(payload), strings.TrimSpace(expected))
}
