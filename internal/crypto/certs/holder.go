package certs

import (
	"crypto/x509"
	"encoding/asn1"
	"regexp"
	"strings"
)

var (
	oidGivenName              = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidSurname                = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidSerialNumber           = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidOrganization           = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationIdentifier = asn1.ObjectIdentifier{2, 5, 4, 97}
)

// ETSI EN 319 412-1 semantics identifiers, e.g. "IDCES-12345678Z" or "VATES-B12345678".
var reSemanticsID = regexp.MustCompile(`^(?:[A-Z]{3}[A-Z]{2}-|[A-Z]{2}:[A-Z]{2}-)`)

// Holder summarises the subject of a signing certificate for display.
type Holder struct {
	GivenName      string
	Surnames       []string
	ID             string
	Organization   string
	OrganizationID string
	// Representative is set when the subject names an organisation the
	// holder acts on behalf of.
	Representative bool
	Subject        string
	Issuer         string
	ValidUntil     string
}

// Name returns "GivenName Surnames", or "" when neither is known.
func (h Holder) Name() string {
	return normalizeSpace(h.GivenName + " " + strings.Join(h.Surnames, " "))
}

func DescribeHolder(cert *x509.Certificate) Holder {
	h := Holder{
		Subject:    cert.Subject.String(),
		Issuer:     cert.Issuer.CommonName,
		ValidUntil: cert.NotAfter.Format("2006-01-02"),
	}

	for _, name := range cert.Subject.Names {
		val, ok := name.Value.(string)
		if !ok {
			continue
		}
		val = normalizeSpace(val)
		switch {
		case name.Type.Equal(oidGivenName):
			h.GivenName = val
		case name.Type.Equal(oidSurname):
			h.Surnames = splitWords(val)
		case name.Type.Equal(oidSerialNumber):
			h.ID = stripSemanticsPrefix(val)
		case name.Type.Equal(oidOrganization):
			h.Organization = val
		case name.Type.Equal(oidOrganizationIdentifier):
			h.OrganizationID = stripSemanticsPrefix(val)
		}
	}

	// Fall back to the common name when the holder carries no name attributes.
	if h.GivenName == "" && len(h.Surnames) == 0 {
		namePart := normalizeSpace(cert.Subject.CommonName)
		if idx := strings.Index(namePart, " - "); idx >= 0 {
			namePart = namePart[:idx]
		}
		if parts := splitWords(namePart); len(parts) > 0 {
			h.GivenName = parts[0]
			h.Surnames = parts[1:]
		}
	}

	h.Representative = h.OrganizationID != "" || strings.Contains(strings.ToUpper(cert.Subject.CommonName), "(R:")
	return h
}

func stripSemanticsPrefix(s string) string {
	v := strings.ToUpper(normalizeSpace(s))
	return reSemanticsID.ReplaceAllString(v, "")
}

func splitWords(s string) []string {
	s = normalizeSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
