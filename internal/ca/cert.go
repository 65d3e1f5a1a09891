package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ParseCertificate accepts a certificate as PEM or raw DER. Only the first
// PEM block is read.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("expected PEM type %q, got %q", "CERTIFICATE", block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// SavePEM writes DER data as a PEM file. Private key types get 0600.
func SavePEM(path, pemType string, data []byte) error {
	pemData := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: data})

	perm := os.FileMode(0o644)
	if pemType == "EC PRIVATE KEY" || pemType == "PRIVATE KEY" {
		perm = 0o600
	}
	if err := os.WriteFile(path, pemData, perm); err != nil {
		return fmt.Errorf("write PEM file %s: %w", path, err)
	}
	return nil
}

// LoadPEM reads a PEM file and returns the decoded DER bytes of the first
// block, which must have the given type.
func LoadPEM(path, pemType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read PEM file %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("expected PEM type %q, got %q in %s", pemType, block.Type, path)
	}
	return block.Bytes, nil
}

// EncodeKeyPEM marshals an ECDSA private key to PEM.
func EncodeKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected *ecdsa.PrivateKey, got %T", key)
	}
	der, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		return nil, fmt.Errorf("marshal EC private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// DecodeKeyPEM decodes an EC or PKCS#8 private key that can sign.
func DecodeKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", key)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
}

// EncodeCertPEM encodes certificate DER as PEM. Empty input yields nil.
func EncodeCertPEM(certDER []byte) []byte {
	if len(certDER) == 0 {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
}
