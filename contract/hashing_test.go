package contract

import (
	"strings"
	"testing"
	"time"

	"credtrace/model"
)

func sampleRecord() *model.CertificateRecord {
	return &model.CertificateRecord{
		CertificateNumber:    "CERT-2024-001",
		StudentID:            "S1234567",
		StudentName:          "Alice Example",
		DegreeName:           "BSc Computer Science",
		FacultyName:          "Faculty of Science",
		DegreeClassification: "First Class",
		IssuanceDate:         time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		Notes:                "graduated with honors",
	}
}

func TestCanonicalPayloadDeterministic(t *testing.T) {
	a := canonicalCertificatePayload(sampleRecord())
	b := canonicalCertificatePayload(sampleRecord())
	if string(a) != string(b) {
		t.Fatalf("canonical payloads differ:\n%s\n%s", a, b)
	}
}

func TestCanonicalPayloadFieldSensitivity(t *testing.T) {
	base := hashPayload(canonicalCertificatePayload(sampleRecord()))

	mutations := map[string]func(*model.CertificateRecord){
		"studentName":  func(r *model.CertificateRecord) { r.StudentName = "Bob Example" },
		"degreeName":   func(r *model.CertificateRecord) { r.DegreeName = "BA History" },
		"issuanceDate": func(r *model.CertificateRecord) { r.IssuanceDate = r.IssuanceDate.AddDate(0, 0, 1) },
		"expiryDate":   func(r *model.CertificateRecord) { r.ExpiryDate = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) },
		"notes":        func(r *model.CertificateRecord) { r.Notes = "changed" },
	}
	for field, mutate := range mutations {
		r := sampleRecord()
		mutate(r)
		if got := hashPayload(canonicalCertificatePayload(r)); got == base {
			t.Errorf("mutating %s did not change the hash", field)
		}
	}
}

func TestCanonicalPayloadIgnoresBookkeeping(t *testing.T) {
	base := hashPayload(canonicalCertificatePayload(sampleRecord()))

	r := sampleRecord()
	r.Status = model.CertStatusRevoked
	r.RevocationReason = "fraud"
	r.IssuerAlias = "someone-else"
	r.CreatedAt = time.Now()
	if got := hashPayload(canonicalCertificatePayload(r)); got != base {
		t.Fatalf("bookkeeping fields leaked into the canonical payload")
	}
}

func TestHashPayloadFormat(t *testing.T) {
	digest := hashPayload(canonicalCertificatePayload(sampleRecord()))
	if len(digest) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars: %s", len(digest), digest)
	}
	if digest != strings.ToLower(digest) {
		t.Fatalf("digest must be lowercase hex: %s", digest)
	}
}

func TestVerifyPayloadDigestCaseInsensitive(t *testing.T) {
	payload := canonicalCertificatePayload(sampleRecord())
	digest := hashPayload(payload)

	if !verifyPayloadDigest(payload, digest) {
		t.Fatal("digest did not verify against its own payload")
	}
	if !verifyPayloadDigest(payload, strings.ToUpper(digest)) {
		t.Fatal("uppercase digest of the same bytes must verify")
	}
	if verifyPayloadDigest(payload, strings.Repeat("0", 64)) {
		t.Fatal("wrong digest must not verify")
	}
}
