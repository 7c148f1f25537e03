// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"

	"github.com/LeeDigitalWorks/ldapgate/pkg/truststore"
)

const reasonPasswordWithoutPath = "trust store password specified without a trust store path"

// checkTransport enforces that credentials only travel over SSL and that the
// client's trust material is usable. Trust material is never touched when
// SSL is off.
func (g *Gate) checkTransport(r Request) (*truststore.Material, error) {
	if !r.SSLEnabled {
		if r.HasCredentials() {
			return nil, Deny(SSLRequired, StateStart, nil)
		}
		return nil, nil
	}

	if r.TrustStorePath == "" {
		if r.TrustStorePassword != nil {
			return nil, DenySSLSetup(reasonPasswordWithoutPath, nil)
		}
		return nil, nil
	}

	var password string
	if r.TrustStorePassword != nil {
		password = *r.TrustStorePassword
	}

	material, err := g.trustStores.Get(r.TrustStorePath, password)
	if err != nil {
		reason := err.Error()
		var le *truststore.LoadError
		if errors.As(err, &le) {
			reason = le.Reason
		}
		return nil, DenySSLSetup(reason, err)
	}
	return material, nil
}
