package token

import (
	"github.com/miekg/pkcs11"
)

const findBatchSize = 10

// findObjects runs a complete C_FindObjects operation and returns every
// matching handle.
func findObjects(m Module, sh pkcs11.SessionHandle, template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := m.FindObjectsInit(sh, template); err != nil {
		return nil, Translate(err)
	}
	var handles []pkcs11.ObjectHandle
	for {
		batch, _, err := m.FindObjects(sh, findBatchSize)
		if err != nil {
			_ = m.FindObjectsFinal(sh)
			return nil, Translate(err)
		}
		if len(batch) == 0 {
			break
		}
		handles = append(handles, batch...)
	}
	_ = m.FindObjectsFinal(sh)
	return handles, nil
}

type certObject struct {
	handle pkcs11.ObjectHandle
	der    []byte
	label  string
	id     []byte
}

// readCertObject reads the value, label and id of a certificate object.
// Tokens that reject the combined template are asked for the value alone.
func readCertObject(m Module, sh pkcs11.SessionHandle, h pkcs11.ObjectHandle) (certObject, error) {
	obj := certObject{handle: h}
	attrs, err := m.GetAttributeValue(sh, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
	})
	if err != nil {
		attrs, err = m.GetAttributeValue(sh, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return obj, Translate(err)
		}
	}
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_VALUE:
			obj.der = a.Value
		case pkcs11.CKA_LABEL:
			obj.label = string(a.Value)
		case pkcs11.CKA_ID:
			obj.id = a.Value
		}
	}
	return obj, nil
}

func certificateTemplate() []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
}
