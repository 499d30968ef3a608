package revocation

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/ocsp"
)

var (
	oidAuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	oidAccessMethodOCSP    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1}
	oidBasicOCSPResponse   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
)

var (
	tagURI           = cbasn1.Tag(6).ContextSpecific()
	tagResponseBytes = cbasn1.Tag(0).Constructed().ContextSpecific()
	tagVersion       = cbasn1.Tag(0).Constructed().ContextSpecific()
	tagRevoked       = cbasn1.Tag(1).Constructed().ContextSpecific()
)

var errMalformedResponse = errors.New("revocation: malformed OCSP response")

// ResponderURI returns the first OCSP access location of URI type found in
// the Authority Information Access extension of cert.
func ResponderURI(cert *x509.Certificate) (string, bool) {
	if cert == nil {
		return "", false
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidAuthorityInfoAccess) {
			return ocspLocation(ext.Value)
		}
	}
	return "", false
}

// ocspLocation walks a DER AuthorityInfoAccessSyntax value.
func ocspLocation(der []byte) (string, bool) {
	input := cryptobyte.String(der)
	var descriptions cryptobyte.String
	if !input.ReadASN1(&descriptions, cbasn1.SEQUENCE) {
		return "", false
	}
	for !descriptions.Empty() {
		var (
			desc     cryptobyte.String
			method   asn1.ObjectIdentifier
			location cryptobyte.String
			tag      cbasn1.Tag
		)
		if !descriptions.ReadASN1(&desc, cbasn1.SEQUENCE) ||
			!desc.ReadASN1ObjectIdentifier(&method) ||
			!desc.ReadAnyASN1(&location, &tag) {
			return "", false
		}
		if method.Equal(oidAccessMethodOCSP) && tag == tagURI && !location.Empty() {
			return string(location), true
		}
	}
	return "", false
}

// anyRevoked reports whether any SingleResponse of a DER OCSPResponse has
// the revoked status. A responder status other than successful is returned
// as an ocsp.ResponseError.
func anyRevoked(der []byte) (bool, error) {
	input := cryptobyte.String(der)
	var (
		resp   cryptobyte.String
		status int
	)
	if !input.ReadASN1(&resp, cbasn1.SEQUENCE) || !resp.ReadASN1Enum(&status) {
		return false, errMalformedResponse
	}
	if ocsp.ResponseStatus(status) != ocsp.Success {
		return false, ocsp.ResponseError{Status: ocsp.ResponseStatus(status)}
	}

	var (
		wrapper, body cryptobyte.String
		respType      asn1.ObjectIdentifier
		basicDER      cryptobyte.String
	)
	if !resp.ReadASN1(&wrapper, tagResponseBytes) ||
		!wrapper.ReadASN1(&body, cbasn1.SEQUENCE) ||
		!body.ReadASN1ObjectIdentifier(&respType) ||
		!body.ReadASN1(&basicDER, cbasn1.OCTET_STRING) {
		return false, errMalformedResponse
	}
	if !respType.Equal(oidBasicOCSPResponse) {
		return false, errors.New("revocation: unsupported OCSP response type " + respType.String())
	}

	var (
		basic, tbs, responderID, singles cryptobyte.String
		responderTag                     cbasn1.Tag
	)
	if !basicDER.ReadASN1(&basic, cbasn1.SEQUENCE) ||
		!basic.ReadASN1(&tbs, cbasn1.SEQUENCE) ||
		!tbs.SkipOptionalASN1(tagVersion) ||
		!tbs.ReadAnyASN1(&responderID, &responderTag) ||
		!tbs.SkipASN1(cbasn1.GeneralizedTime) ||
		!tbs.ReadASN1(&singles, cbasn1.SEQUENCE) {
		return false, errMalformedResponse
	}

	revoked := false
	for !singles.Empty() {
		var (
			single, status cryptobyte.String
			statusTag      cbasn1.Tag
		)
		if !singles.ReadASN1(&single, cbasn1.SEQUENCE) ||
			!single.SkipASN1(cbasn1.SEQUENCE) ||
			!single.ReadAnyASN1(&status, &statusTag) {
			return false, errMalformedResponse
		}
		if statusTag == tagRevoked {
			revoked = true
		}
	}
	return revoked, nil
}
