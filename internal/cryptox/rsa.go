// Package cryptox provides the asymmetric/symmetric key-exchange primitives
// used to secure the binary session protocol: an RSA wrapper for the initial
// handshake and an AES-256-CBC wrapper for everything exchanged afterward.
package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoRemoteKey is returned when an RSA operation needs a peer public key
// that has not been set yet.
var ErrNoRemoteKey = errors.New("cryptox: remote public key not set")

// ErrPayloadTooLarge is returned when plaintext exceeds the RSA key's
// maximum PKCS#1 v1.5 payload (keySize/8 - 11 bytes).
var ErrPayloadTooLarge = errors.New("cryptox: payload too large for RSA key size")

const defaultRSAKeySize = 4096

// RSAWrapper holds a local RSA keypair and, once exchanged, the remote
// peer's public key. It performs PKCS#1 v1.5 encryption/decryption, matching
// the wire contract of the Python reference implementation it replaces.
type RSAWrapper struct {
	privateKey *rsa.PrivateKey
	remoteKey  *rsa.PublicKey
	keySize    int
}

// NewRSAWrapper generates a fresh RSA keypair of the given bit size. A size
// of 0 selects the default (4096 bits).
func NewRSAWrapper(bits int) (*RSAWrapper, error) {
	if bits <= 0 {
		bits = defaultRSAKeySize
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return &RSAWrapper{privateKey: key, keySize: bits}, nil
}

// LoadRSAWrapper loads a PKCS#1 private key from a PEM-less DER file at path,
// generating and persisting a new one if the file does not exist.
func LoadRSAWrapper(path string, bits int) (*RSAWrapper, error) {
	if bits <= 0 {
		bits = defaultRSAKeySize
	}

	der, err := os.ReadFile(path)
	if err == nil {
		key, perr := x509.ParsePKCS1PrivateKey(der)
		if perr != nil {
			return nil, fmt.Errorf("parse RSA private key at %s: %w", path, perr)
		}
		return &RSAWrapper{privateKey: key, keySize: key.N.BitLen()}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	w, err := NewRSAWrapper(bits)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, x509.MarshalPKCS1PrivateKey(w.privateKey), 0600); err != nil {
		return nil, fmt.Errorf("write RSA private key: %w", err)
	}
	return w, nil
}

// KeySize returns the RSA modulus size in bits.
func (w *RSAWrapper) KeySize() int {
	return w.keySize
}

// PublicKey returns the local public key in PKIX DER form, ready to be sent
// over the wire.
func (w *RSAWrapper) PublicKey() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&w.privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// SetRemotePublicKey parses and stores the peer's PKIX DER public key.
func (w *RSAWrapper) SetRemotePublicKey(der []byte) error {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parse remote public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return errors.New("cryptox: remote key is not an RSA public key")
	}
	w.remoteKey = rsaPub
	return nil
}

// Encrypt encrypts data for the remote peer using PKCS#1 v1.5.
func (w *RSAWrapper) Encrypt(data []byte) ([]byte, error) {
	if w.remoteKey == nil {
		return nil, ErrNoRemoteKey
	}
	maxLen := w.remoteKey.Size() - 11
	if len(data) > maxLen {
		return nil, ErrPayloadTooLarge
	}
	return rsa.EncryptPKCS1v15(rand.Reader, w.remoteKey, data)
}

// Decrypt decrypts data addressed to the local private key using PKCS#1 v1.5.
func (w *RSAWrapper) Decrypt(data []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, w.privateKey, data)
}
