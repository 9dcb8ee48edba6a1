package cryptoutils

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

var (
	// DCAPAttestation marks a raw TDX DCAP quote.
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "dcap",
	}

	// EndorsedAttestation marks a report signed by an attestation authority.
	EndorsedAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 3},
		StringID: "endorsed",
	}

	// DevAttestation marks an unprotected development quote. Only an authority
	// running in development mode endorses it.
	DevAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dev",
	}
)

type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case EndorsedAttestation.StringID:
		return EndorsedAttestation, nil
	case DevAttestation.StringID:
		return DevAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

func AttestationTypeFromOID(oid asn1.ObjectIdentifier) (AttestationType, error) {
	for _, t := range []AttestationType{DCAPAttestation, EndorsedAttestation, DevAttestation} {
		if oid.Equal(t.OID) {
			return t, nil
		}
	}
	return AttestationType{}, errors.ErrUnsupported
}

// AttestationProvider produces a quote over the given report data.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// RemoteAttestationProvider fetches quotes from a quote provider service
// at GET {Address}/attest/{hex report data}.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPAttestationProvider requests quotes from the local TDX module, through
// configfs-tsm when available and the TDX guest device otherwise.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DevQuote is the body produced by DevAttestationProvider.
type DevQuote struct {
	ReportData   string                  `json:"report_data"`
	Measurements interfaces.Measurements `json:"measurements"`
}

// DevAttestationProvider claims fixed measurements without hardware backing.
type DevAttestationProvider struct {
	Measurements interfaces.Measurements
}

func (DevAttestationProvider) AttestationType() AttestationType { return DevAttestation }

func (p DevAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return json.Marshal(DevQuote{
		ReportData:   hex.EncodeToString(reportData[:]),
		Measurements: p.Measurements,
	})
}

// ParseDevQuote decodes a development quote.
func ParseDevQuote(raw []byte) ([64]byte, interfaces.Measurements, error) {
	var reportData [64]byte

	var q DevQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return reportData, nil, fmt.Errorf("could not parse dev quote: %w", err)
	}

	rd, err := hex.DecodeString(q.ReportData)
	if err != nil || len(rd) != len(reportData) {
		return reportData, nil, fmt.Errorf("invalid dev quote report data")
	}
	copy(reportData[:], rd)

	measurements, err := interfaces.NewMeasurements(q.Measurements)
	if err != nil {
		return reportData, nil, err
	}
	return reportData, measurements, nil
}

// AttestationProviderFor returns the local quote provider for an attestation algorithm.
func AttestationProviderFor(algorithm string, devMeasurements interfaces.Measurements) (AttestationProvider, error) {
	switch algorithm {
	case DCAPAttestation.StringID:
		return DCAPAttestationProvider{}, nil
	case DevAttestation.StringID:
		return DevAttestationProvider{Measurements: devMeasurements}, nil
	default:
		return nil, fmt.Errorf("unsupported attestation algorithm %q: %w", algorithm, errors.ErrUnsupported)
	}
}

// InspectDCAPQuote verifies a TDX quote with the given options and returns
// its report data and measurements.
func InspectDCAPQuote(quote []byte, options *verify.Options) ([64]byte, interfaces.Measurements, error) {
	var reportData [64]byte

	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return reportData, nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return reportData, nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return reportData, nil, fmt.Errorf("quote verification failed: %w", err)
	}

	body := v4Quote.GetTdQuoteBody()
	if len(body.GetReportData()) != len(reportData) || len(body.GetRtmrs()) != 4 {
		return reportData, nil, errors.New("malformed quote body")
	}
	copy(reportData[:], body.GetReportData())

	return reportData, interfaces.Measurements{
		0: hex.EncodeToString(body.GetMrTd()),
		1: hex.EncodeToString(body.GetRtmrs()[0]),
		2: hex.EncodeToString(body.GetRtmrs()[1]),
		3: hex.EncodeToString(body.GetRtmrs()[2]),
		4: hex.EncodeToString(body.GetRtmrs()[3]),
		5: hex.EncodeToString(body.GetMrConfigId()),
		6: hex.EncodeToString(body.GetMrOwner()),
		7: hex.EncodeToString(body.GetMrOwnerConfig()),
	}, nil
}

// VerifyDCAPQuote verifies a TDX quote against roots (Intel's root when nil)
// and checks that it carries the expected report data.
func VerifyDCAPQuote(reportData [64]byte, quote []byte, roots *x509.CertPool) (interfaces.Measurements, error) {
	options := verify.DefaultOptions()
	if roots != nil {
		options.TrustedRoots = roots
	}

	quoted, measurements, err := InspectDCAPQuote(quote, options)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(quoted[:], reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", quoted[:], reportData[:])
	}
	return measurements, nil
}
