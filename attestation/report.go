package attestation

import (
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// ReportPath is the attestation authority endpoint endorsing quotes.
const ReportPath = "/api/attestation/v1/report"

// AccessKeyHeader carries the enclave's access key to the attestation authority.
const AccessKeyHeader = "X-Attestation-Access-Key"

// Report statuses issued by an attestation authority.
const (
	StatusOK                              = "OK"
	StatusSWHardeningNeeded               = "SW_HARDENING_NEEDED"
	StatusConfigurationNeeded             = "CONFIGURATION_NEEDED"
	StatusConfigurationAndSWHardeningNeed = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
	StatusOutOfDate                       = "OUT_OF_DATE"
	StatusRevoked                         = "REVOKED"
)

// Report is the statement an attestation authority signs about a verified quote.
type Report struct {
	ID           string                  `json:"id"`
	Version      int                     `json:"version"`
	Timestamp    time.Time               `json:"timestamp"`
	Algorithm    string                  `json:"algorithm"`
	PlatformID   string                  `json:"platform_id"`
	Status       string                  `json:"status"`
	Advisories   []string                `json:"advisories,omitempty"`
	ReportData   string                  `json:"report_data"`
	Measurements interfaces.Measurements `json:"measurements"`
	QuoteHash    string                  `json:"quote_hash"`
}

// ReportRequest asks the authority to verify and endorse a quote.
type ReportRequest struct {
	Algorithm  string `json:"algorithm"`
	PlatformID string `json:"platform_id"`
	Quote      []byte `json:"quote"`
}

// ReportResponse is the authority's endorsement of a quote.
type ReportResponse struct {
	Report      []byte `json:"report"`
	Signature   []byte `json:"signature"`
	SigningCert []byte `json:"signing_cert"`
}
