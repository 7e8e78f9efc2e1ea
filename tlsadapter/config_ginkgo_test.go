package tlsadapter_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arnebrasseur/ember/tlsadapter"
)

// genCertificate mirrors nabbar-golib/certificates' test fixture generator:
// a throwaway self-signed ECDSA pair, written to a temp directory.
func genCertificate(dir string) (certPath, keyPath string) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).ToNot(HaveOccurred())

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	Expect(err).ToNot(HaveOccurred())

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"ember test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	Expect(err).ToNot(HaveOccurred())

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	Expect(err).ToNot(HaveOccurred())
	Expect(pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})).To(Succeed())
	Expect(certOut.Close()).To(Succeed())

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	Expect(err).ToNot(HaveOccurred())
	keyOut, err := os.Create(keyPath)
	Expect(err).ToNot(HaveOccurred())
	Expect(pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})).To(Succeed())
	Expect(keyOut.Close()).To(Succeed())

	return certPath, keyPath
}

var _ = Describe("Config.Build", func() {

	Context("with a valid certificate pair on disk", func() {
		It("loads the pair and defaults to TLS 1.2..1.3", func() {
			dir := GinkgoT().TempDir()
			certPath, keyPath := genCertificate(dir)

			cfg := tlsadapter.Config{CertFile: certPath, KeyFile: keyPath}
			tlsCfg, err := cfg.Build()
			Expect(err).ToNot(HaveOccurred())
			Expect(tlsCfg).ToNot(BeNil())
			Expect(tlsCfg.Certificates).To(HaveLen(1))
			Expect(tlsCfg.MinVersion).To(Equal(uint16(tls.VersionTLS12)))
			Expect(tlsCfg.MaxVersion).To(Equal(uint16(tls.VersionTLS13)))
		})

		It("honors an explicit version floor and ceiling", func() {
			dir := GinkgoT().TempDir()
			certPath, keyPath := genCertificate(dir)

			cfg := tlsadapter.Config{CertFile: certPath, KeyFile: keyPath, MinVersion: "1.1", MaxVersion: "1.2"}
			tlsCfg, err := cfg.Build()
			Expect(err).ToNot(HaveOccurred())
			Expect(tlsCfg.MinVersion).To(Equal(uint16(tls.VersionTLS11)))
			Expect(tlsCfg.MaxVersion).To(Equal(uint16(tls.VersionTLS12)))
		})
	})

	Context("with an invalid configuration", func() {
		It("rejects an unrecognized version name", func() {
			dir := GinkgoT().TempDir()
			certPath, keyPath := genCertificate(dir)

			cfg := tlsadapter.Config{CertFile: certPath, KeyFile: keyPath, MinVersion: "0.9"}
			_, err := cfg.Build()
			Expect(err).To(HaveOccurred())
		})

		It("rejects a missing key file", func() {
			dir := GinkgoT().TempDir()
			cfg := tlsadapter.Config{CertFile: filepath.Join(dir, "cert.pem"), KeyFile: filepath.Join(dir, "key.pem")}
			_, err := cfg.Build()
			Expect(err).To(HaveOccurred())
		})

		It("rejects an empty cert_file", func() {
			cfg := tlsadapter.Config{KeyFile: "key.pem"}
			_, err := cfg.Build()
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Config.Validate", func() {
	It("passes when both file fields are set", func() {
		cfg := tlsadapter.Config{CertFile: "cert.pem", KeyFile: "key.pem"}
		Expect(cfg.Validate()).To(Succeed())
	})

	It("fails when cert_file is missing", func() {
		cfg := tlsadapter.Config{KeyFile: "key.pem"}
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("fails when key_file is missing", func() {
		cfg := tlsadapter.Config{CertFile: "cert.pem"}
		Expect(cfg.Validate()).To(HaveOccurred())
	})
})
