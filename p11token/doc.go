// Package p11token provides access to cryptographic keys on PKCS#11
// devices such as Hardware Security Modules (HSMs) and smart cards.
//
// This package implements the standard Go crypto interfaces for:
//   - RSA private keys, signatures and decryption
//   - ECDSA private keys and signatures
//   - Session management
//
// The package supports common PKCS#11 operations including:
//   - Key generation on the device
//   - Signing operations using device-stored keys
//   - Token-side signature verification
//   - Wrapping and unwrapping of secret keys
//   - Object discovery and management
//   - Session pooling for performance
//
// Keys generated on the device cannot be exported,
// providing hardware-level protection for cryptographic operations.
package p11token
