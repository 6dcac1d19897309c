package p11token

import (
	"encoding/binary"

	"github.com/miekg/pkcs11"
)

// KeyTypeNames maps CKK_* values to printable names
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "RSA",
	pkcs11.CKK_DSA:            "DSA",
	pkcs11.CKK_DH:             "DH",
	pkcs11.CKK_EC:             "EC",
	pkcs11.CKK_GENERIC_SECRET: "GENERIC_SECRET",
	pkcs11.CKK_AES:            "AES",
	pkcs11.CKK_DES3:           "DES3",
}

// ObjectClassNames maps CKO_* values to printable names
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_DATA:        "DATA",
	pkcs11.CKO_CERTIFICATE: "CERTIFICATE",
	pkcs11.CKO_PUBLIC_KEY:  "PUBLIC_KEY",
	pkcs11.CKO_PRIVATE_KEY: "PRIVATE_KEY",
	pkcs11.CKO_SECRET_KEY:  "SECRET_KEY",
}

// BytesToUlong converts a CK_ULONG attribute value to uint
func BytesToUlong(b []byte) uint {
	switch len(b) {
	case 4:
		return uint(binary.NativeEndian.Uint32(b))
	case 8:
		return uint(binary.NativeEndian.Uint64(b))
	default:
		return 0
	}
}

// UlongToBytes converts uint to a CK_ULONG attribute value
func UlongToBytes(n uint) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, uint64(n))
	return b
}
