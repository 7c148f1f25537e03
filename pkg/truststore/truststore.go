// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package truststore loads the CA certificates a client trusts when it opens
// an encrypted connection to the gate. PKCS#12 stores (the Java default) and
// PEM bundles are accepted.
package truststore

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"software.sslmate.com/src/go-pkcs12"
)

// MaxSize bounds how much of a trust store file is read.
const MaxSize = 1 << 20

// Reasons reported to clients. They match what JDBC clients already show for
// the same failures.
const (
	ReasonTampered      = "Keystore was tampered with, or password was incorrect"
	ReasonInvalidFormat = "Invalid keystore format"
	ReasonEmpty         = "the trustAnchors parameter must be non-empty"
	ReasonNotFound      = "Trust store not found"
)

var (
	// ErrIncorrectPassword is matched by errors.Is for a bad store password
	// or a store whose integrity check fails. A password given for a PEM
	// bundle is always incorrect.
	ErrIncorrectPassword = errors.New("trust store password incorrect")

	ErrOutsideRoot = errors.New("trust store path outside the trust store directory")
	ErrNotRegular  = errors.New("trust store is not a regular file")
	ErrTooLarge    = errors.New("trust store too large")
)

// LoadError describes why a trust store could not be used. Reason is safe to
// show to the connecting client.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load trust store %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load trust store %s: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Material is a loaded trust store.
type Material struct {
	Path         string
	Certificates []*x509.Certificate
	Pool         *x509.CertPool
}

// TLSConfig returns a client TLS configuration trusting only this material.
func (m *Material) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:    m.Pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}

// Load reads and validates the trust store at path. It never retries: a bad
// store is a configuration problem. Paths supplied by connecting clients go
// through a Root instead.
func Load(path, password string) (*Material, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: readReason(err), Err: err}
	}
	return parse(path, data, password)
}

// Root confines trust store paths to one directory. The zero Root refuses
// every path.
type Root struct {
	dir string
}

func NewRoot(dir string) Root {
	if dir == "" {
		return Root{}
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return Root{dir: filepath.Clean(dir)}
}

// Dir returns the confining directory, empty when every path is refused.
func (r Root) Dir() string {
	return r.dir
}

// Resolve maps path into the root. Relative paths are taken from the root;
// absolute paths must already lie inside it. Symlinks never leave the root.
func (r Root) Resolve(path string) (string, error) {
	if r.dir == "" {
		return "", ErrOutsideRoot
	}
	rel := path
	if filepath.IsAbs(path) {
		var err error
		rel, err = filepath.Rel(r.dir, filepath.Clean(path))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", ErrOutsideRoot
		}
	}
	return securejoin.SecureJoin(r.dir, rel)
}

// Load resolves path inside the root and loads it. Every failure to reach a
// file reports ReasonNotFound so clients learn nothing about the host.
func (r Root) Load(path, password string) (*Material, error) {
	full, err := r.Resolve(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: ReasonNotFound, Err: err}
	}
	data, err := readFile(full)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: readReason(err), Err: err}
	}
	return parse(full, data, password)
}

// readFile reads a regular file of at most MaxSize bytes.
func readFile(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotRegular
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func readReason(err error) string {
	if errors.Is(err, ErrTooLarge) {
		return ReasonInvalidFormat
	}
	return ReasonNotFound
}

func parse(path string, data []byte, password string) (*Material, error) {
	var (
		certs []*x509.Certificate
		err   error
	)
	if isPEM(data) {
		if password != "" {
			return nil, &LoadError{Path: path, Reason: ReasonTampered, Err: ErrIncorrectPassword}
		}
		certs, err = decodePEM(data)
		if err != nil {
			return nil, &LoadError{Path: path, Reason: ReasonInvalidFormat, Err: err}
		}
	} else {
		certs, err = pkcs12.DecodeTrustStore(data, password)
		switch {
		case errors.Is(err, pkcs12.ErrIncorrectPassword):
			return nil, &LoadError{Path: path, Reason: ReasonTampered, Err: errors.Join(ErrIncorrectPassword, err)}
		case err != nil:
			return nil, &LoadError{Path: path, Reason: ReasonInvalidFormat, Err: err}
		}
	}

	if len(certs) == 0 {
		return nil, &LoadError{Path: path, Reason: ReasonEmpty}
	}

	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return &Material{Path: path, Certificates: certs, Pool: pool}, nil
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

func decodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
