package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/caretrack/wardsync/internal/config"
)

// newTLSConfig builds the TLS setup for the configured mode. For ACME
// the returned handler must be mounted on port 80 to answer HTTP-01
// challenges; the other modes return a nil handler.
func newTLSConfig(cfg config.TLSConfig) (*tls.Config, http.Handler, error) {
	switch {
	case cfg.SelfSigned:
		tlsCfg, err := generateSelfSigned()
		if err != nil {
			return nil, nil, err
		}
		return tlsCfg, nil, nil

	case cfg.Auto:
		cacheDir := cfg.CacheDir
		if cacheDir == "" {
			cacheDir = "autocert-cache"
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		}
		return m.TLSConfig(), m.HTTPHandler(nil), nil

	default:
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil, nil
	}
}

// generateSelfSigned makes a throwaway certificate valid for a year.
// Ward tablets pin nothing, so this is enough for encrypted LAN sync.
func generateSelfSigned() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"wardsync"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
