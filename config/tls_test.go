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

package config_test

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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/goredisson/config"
)

// genSelfSigned writes a self-signed cert+key pair as one PEM file (the
// certs package's keystore shape) and the cert alone as a second PEM file
// (the ca package's truststore shape), returning both paths.
func genSelfSigned(dir string) (keystore, truststore string) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).ToNot(HaveOccurred())

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "goredisson-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	Expect(err).ToNot(HaveOccurred())

	keyDER, err := x509.MarshalECPrivateKey(priv)
	Expect(err).ToNot(HaveOccurred())

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	keystore = filepath.Join(dir, "keystore.pem")
	Expect(os.WriteFile(keystore, append(keyPEM, certPEM...), 0o600)).To(Succeed())

	truststore = filepath.Join(dir, "truststore.pem")
	Expect(os.WriteFile(truststore, certPEM, 0o600)).To(Succeed())

	return keystore, truststore
}

var _ = Describe("TLSOptions.Build", func() {
	It("returns a nil config when disabled", func() {
		cfg, err := config.TLSOptions{}.Build()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg).To(BeNil())
	})

	It("loads truststore and keystore into a tls.Config", func() {
		dir := GinkgoT().TempDir()
		keystore, truststore := genSelfSigned(dir)

		opt := config.TLSOptions{
			Enabled:                true,
			TrustStore:             truststore,
			KeyStore:               keystore,
			EndpointIdentification: true,
		}

		cfg, err := opt.Build()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg).ToNot(BeNil())
		Expect(cfg.InsecureSkipVerify).To(BeFalse())
		Expect(cfg.RootCAs).ToNot(BeNil())
		Expect(cfg.Certificates).To(HaveLen(1))
	})

	It("sets InsecureSkipVerify when endpoint identification is off", func() {
		cfg, err := config.TLSOptions{Enabled: true}.Build()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.InsecureSkipVerify).To(BeTrue())
	})

	It("errors on a missing truststore file", func() {
		_, err := config.TLSOptions{Enabled: true, TrustStore: "/no/such/file"}.Build()
		Expect(err).To(HaveOccurred())
	})
})
