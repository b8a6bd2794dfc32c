/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nabbar/goredisson/certificates/ca"
	"github.com/nabbar/goredisson/certificates/certs"
)

// Build turns o into a *tls.Config. TrustStore is read as a PEM file path
// and decoded with certificates/ca; KeyStore is handed to certificates/certs,
// which accepts either a PEM file path or inline PEM text. Returns (nil, nil)
// when o.Enabled is false, so callers can always assign the result straight
// onto an Endpoint's TLS field.
func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: !o.EndpointIdentification,
	}

	if o.TrustStore != "" {
		pem, err := os.ReadFile(o.TrustStore)
		if err != nil {
			return nil, fmt.Errorf("tls truststore: %w", err)
		}
		cert, err := ca.ParseByte(pem)
		if err != nil {
			return nil, fmt.Errorf("tls truststore: %w", err)
		}
		pool := x509.NewCertPool()
		cert.AppendPool(pool)
		cfg.RootCAs = pool
	}

	if o.KeyStore != "" {
		cert, err := certs.Parse(o.KeyStore)
		if err != nil {
			return nil, fmt.Errorf("tls keystore: %w", err)
		}
		tlsCert := cert.TLS()
		cfg.Certificates = []tls.Certificate{tlsCert}
	}

	return cfg, nil
}
