package cryptoutils

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrNoEvidence is returned for certificates carrying no attestation extension.
var ErrNoEvidence = errors.New("certificate carries no attestation evidence")

// EndorsedReport is an attestation report signed by an attestation authority.
//
//	EndorsedReport ::= SEQUENCE {
//	    report       OCTET STRING,  -- JSON encoded report
//	    signature    OCTET STRING,  -- authority signature over report
//	    signingCert  OCTET STRING   -- DER certificate of the signing key
//	}
type EndorsedReport struct {
	Report      []byte
	Signature   []byte
	SigningCert []byte
}

// Marshal encodes the report as DER.
func (r *EndorsedReport) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1OctetString(r.Report)
		b.AddASN1OctetString(r.Signature)
		b.AddASN1OctetString(r.SigningCert)
	})
	return b.Bytes()
}

// UnmarshalEndorsedReport decodes a DER endorsed report.
func UnmarshalEndorsedReport(der []byte) (*EndorsedReport, error) {
	input := cryptobyte.String(der)

	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, errors.New("malformed endorsed report")
	}

	r := &EndorsedReport{}
	if !seq.ReadASN1Bytes(&r.Report, cryptobyte_asn1.OCTET_STRING) ||
		!seq.ReadASN1Bytes(&r.Signature, cryptobyte_asn1.OCTET_STRING) ||
		!seq.ReadASN1Bytes(&r.SigningCert, cryptobyte_asn1.OCTET_STRING) ||
		!seq.Empty() {
		return nil, errors.New("malformed endorsed report fields")
	}
	return r, nil
}

// EvidenceExtension wraps attestation evidence into a certificate extension.
func EvidenceExtension(t AttestationType, evidence []byte) pkix.Extension {
	return pkix.Extension{Id: t.OID, Value: evidence}
}

// ExtractEvidence returns the first attestation extension found in cert.
func ExtractEvidence(cert *x509.Certificate) (AttestationType, []byte, error) {
	for _, ext := range cert.Extensions {
		t, err := AttestationTypeFromOID(ext.Id)
		if err != nil {
			continue
		}
		if len(ext.Value) == 0 {
			return AttestationType{}, nil, fmt.Errorf("empty %s evidence", t.StringID)
		}
		return t, ext.Value, nil
	}
	return AttestationType{}, nil, ErrNoEvidence
}
