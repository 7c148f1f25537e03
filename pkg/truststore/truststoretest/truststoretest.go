// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package truststoretest writes throwaway trust stores for tests.
package truststoretest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// NewCA returns a self-signed CA certificate.
func NewCA(t testing.TB, commonName string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// WritePKCS12 writes a password protected PKCS#12 trust store holding one CA
// into dir and returns its path.
func WritePKCS12(t testing.TB, dir, password string) string {
	t.Helper()

	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{NewCA(t, "ldapgate test ca")}, password)
	require.NoError(t, err)

	path := filepath.Join(dir, "truststore.p12")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// WritePEM writes a PEM bundle holding one CA into dir and returns its path.
func WritePEM(t testing.TB, dir string) string {
	t.Helper()

	cert := NewCA(t, "ldapgate test pem ca")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
