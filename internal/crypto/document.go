package crypto

import (
	"fmt"
)

// encMarker wraps ciphertext in stored documents: {"$enc": "<base64>"}.
const encMarker = "$enc"

// FieldCipher applies field-selective encryption to documents: values
// whose field names the classifier marks sensitive are sealed, everything
// else stays in clear. A nil FieldCipher is a valid no-op (encryption
// disabled).
type FieldCipher struct {
	cipher     *Cipher
	classifier *Classifier
}

// NewFieldCipher wires a cipher to a classifier.
func NewFieldCipher(cipher *Cipher, classifier *Classifier) *FieldCipher {
	return &FieldCipher{cipher: cipher, classifier: classifier}
}

// Sensitive reports whether the named field would be encrypted.
func (fc *FieldCipher) Sensitive(field string) bool {
	if fc == nil {
		return false
	}
	return fc.classifier.Sensitive(field)
}

// EncryptValue seals a single string value, returning the marker document.
func (fc *FieldCipher) EncryptValue(plaintext string) (map[string]any, error) {
	ct, err := fc.cipher.EncryptField([]byte(plaintext))
	if err != nil {
		return nil, err
	}
	return map[string]any{encMarker: ct}, nil
}

// EncryptDocument walks a decoded JSON document and seals every string
// value whose field name is sensitive. Nested maps are walked
// recursively. The input is not modified.
func (fc *FieldCipher) EncryptDocument(doc map[string]any) (map[string]any, error) {
	if fc == nil {
		return doc, nil
	}
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case string:
			if fc.classifier.Sensitive(key) {
				enc, err := fc.EncryptValue(v)
				if err != nil {
					return nil, fmt.Errorf("encrypt field %s: %w", key, err)
				}
				out[key] = enc
			} else {
				out[key] = v
			}
		case map[string]any:
			nested, err := fc.EncryptDocument(v)
			if err != nil {
				return nil, err
			}
			out[key] = nested
		default:
			out[key] = value
		}
	}
	return out, nil
}

// DecryptDocument reverses EncryptDocument. Marker values decrypt back to
// strings; a marker that fails to open propagates the authentication
// error rather than passing garbage through.
func (fc *FieldCipher) DecryptDocument(doc map[string]any) (map[string]any, error) {
	if fc == nil {
		return doc, nil
	}
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		nested, ok := value.(map[string]any)
		if !ok {
			out[key] = value
			continue
		}
		if ct, ok := nested[encMarker].(string); ok && len(nested) == 1 {
			plaintext, err := fc.cipher.DecryptField(ct)
			if err != nil {
				return nil, fmt.Errorf("decrypt field %s: %w", key, err)
			}
			out[key] = string(plaintext)
			continue
		}
		inner, err := fc.DecryptDocument(nested)
		if err != nil {
			return nil, err
		}
		out[key] = inner
	}
	return out, nil
}
