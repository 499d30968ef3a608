package token

import (
	"context"
	"crypto/x509"
	"runtime/debug"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/metrics"
)

// Enumerator lists the certificates of every token present in a set of
// PKCS#11 libraries. It never logs in.
type Enumerator struct {
	loader Loader
	log    *logging.Logger
}

func NewEnumerator(loader Loader, log *logging.Logger) *Enumerator {
	if log == nil {
		log = logging.Discard()
	}
	return &Enumerator{loader: loader, log: log}
}

// LoadCertificates scans each library in turn. A library that cannot be
// loaded or listed is logged and skipped, so the result holds whatever the
// remaining libraries provide.
func (e *Enumerator) LoadCertificates(ctx context.Context, paths []string) []CertificateRecord {
	var records []CertificateRecord
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		found, err := e.ScanLibrary(ctx, path)
		records = append(records, found...)
		if err != nil {
			e.log.Warnf("skipping PKCS#11 library %s: %v", path, err)
			metrics.RecordEnumerationFailure(metrics.StageLibrary)
		}
	}
	metrics.RecordCertificatesEnumerated(len(records))
	return records
}

// ScanLibrary returns the certificates found in a single library.
func (e *Enumerator) ScanLibrary(ctx context.Context, path string) ([]CertificateRecord, error) {
	m, err := e.loader.Load(path)
	if err != nil {
		return nil, err
	}
	defer e.loader.Release(path)

	slots, err := ListSlots(m)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("found %d PKCS#11 slots with a token in %s", len(slots), path)

	var records []CertificateRecord
	for _, slot := range slots {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		records = append(records, e.scanSlot(m, path, slot)...)
	}
	return records, nil
}

func (e *Enumerator) scanSlot(m Module, path string, slot SlotDescriptor) (records []CertificateRecord) {
	session, err := m.OpenSession(slot.ID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		e.log.Debugf("open session on slot %d in %s: %v", slot.ID, path, Translate(err))
		metrics.RecordEnumerationFailure(metrics.StageSlot)
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("panic while scanning slot %d in %s: %v\n%s", slot.ID, path, r, string(debug.Stack()))
			metrics.RecordEnumerationFailure(metrics.StageSlot)
		}
		if err := m.CloseSession(session); err != nil {
			e.log.Debugf("close session on slot %d in %s: %v", slot.ID, path, err)
		}
	}()

	handles, err := findObjects(m, session, certificateTemplate())
	if err != nil {
		e.log.Debugf("find certificates on slot %d in %s: %v", slot.ID, path, err)
		metrics.RecordEnumerationFailure(metrics.StageSlot)
		return nil
	}
	e.log.Debugf("slot %d in %s has %d certificate objects", slot.ID, path, len(handles))

	for _, h := range handles {
		obj, err := readCertObject(m, session, h)
		if err != nil || len(obj.der) == 0 {
			e.log.Debugf("read certificate object %d on slot %d: %v", h, slot.ID, err)
			metrics.RecordEnumerationFailure(metrics.StageObject)
			continue
		}
		cert, err := x509.ParseCertificate(obj.der)
		if err != nil {
			e.log.Debugf("parse certificate object %d on slot %d: %v", h, slot.ID, err)
			metrics.RecordEnumerationFailure(metrics.StageObject)
			continue
		}
		records = append(records, CertificateRecord{
			Certificate: cert,
			Kind:        StoreKindPKCS11,
			TokenSerial: slot.TokenSerial,
			LibraryPath: path,
			Label:       obj.label,
			KeyID:       obj.id,
		})
	}
	return records
}
