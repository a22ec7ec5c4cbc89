// Package credentials builds the two trust boundaries described in §6:
// transport credentials (TLS, negotiated once when a subchannel connects)
// and call credentials (a per-call metadata-producing callback, e.g. an
// OAuth token source). The TLS loading here accepts two file formats, PEM
// and PKCS12, guessed by file extension.
package credentials

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/fullstorydev/rpcweave/metadata"
)

// TransportCredentials wraps the tls.Config a subchannel dials with. A nil
// *TransportCredentials means cleartext h2c, matching transport.DialOptions.
type TransportCredentials struct {
	Config *tls.Config
}

// ClientTransportCredentials builds client-side TLS config. insecureSkipVerify
// disables server certificate verification entirely (for local/dev use only);
// cacertFile, if set, replaces the system root pool: only the certificates
// it contains are trusted; clientCertFile/clientKeyFile configure mutual TLS.
func ClientTransportCredentials(insecureSkipVerify bool, cacertFile, clientCertFile, clientKeyFile string) (*TransportCredentials, error) {
	cfg := &tls.Config{}

	if clientCertFile != "" {
		certPEM, err := loadAsPEM(clientCertFile, "")
		if err != nil {
			return nil, fmt.Errorf("credentials: could not load client cert: %w", err)
		}
		keyPEM := certPEM
		if clientKeyFile != "" {
			keyPEM, err = loadAsPEM(clientKeyFile, "")
			if err != nil {
				return nil, fmt.Errorf("credentials: could not load client key: %w", err)
			}
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("credentials: could not build client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if insecureSkipVerify {
		cfg.InsecureSkipVerify = true
	} else if cacertFile != "" {
		pool, err := loadCertPool(cacertFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return &TransportCredentials{Config: cfg}, nil
}

// ServerTransportCredentials builds server-side TLS config. cacertFile, when
// set, is used to verify client certificates; requireClientCert upgrades
// that from "request" to "require" (mutual TLS).
func ServerTransportCredentials(cacertFile, certFile, keyFile string, requireClientCert bool) (*TransportCredentials, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("credentials: server cert and key are both required")
	}
	if cacertFile == "" && requireClientCert {
		return nil, fmt.Errorf("credentials: requireClientCert set without a cacert to verify against")
	}
	certPEM, err := loadAsPEM(certFile, "")
	if err != nil {
		return nil, fmt.Errorf("credentials: could not load server cert: %w", err)
	}
	keyPEM, err := loadAsPEM(keyFile, "")
	if err != nil {
		return nil, fmt.Errorf("credentials: could not load server key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("credentials: could not build server key pair: %w", err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cacertFile != "" {
		pool, err := loadCertPool(cacertFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		if requireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return &TransportCredentials{Config: cfg}, nil
}

func loadCertPool(file string) (*x509.CertPool, error) {
	pemBytes, err := loadAsPEM(file, "")
	if err != nil {
		return nil, fmt.Errorf("credentials: could not load cacert: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
		return nil, fmt.Errorf("credentials: failed to append ca certs from %q", file)
	}
	return pool, nil
}

// loadAsPEM reads file and, guessing PKCS12 from its ".p12"/".pfx"
// extension, decodes it into PEM blocks; everything else is assumed to
// already be PEM.
func loadAsPEM(file, password string) ([]byte, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("unable to read %q: %w", file, err)
	}

	ext := strings.ToLower(file)
	if !strings.HasSuffix(ext, ".p12") && !strings.HasSuffix(ext, ".pfx") {
		return raw, nil
	}

	key, cert, caCerts, err := pkcs12.DecodeChain(raw, password)
	if err != nil {
		return nil, fmt.Errorf("could not decode pkcs12 file %q: %w", file, err)
	}
	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	for _, ca := range caCerts {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})...)
	}
	keyBytes, err := marshalPKCS12Key(key)
	if err != nil {
		return nil, err
	}
	out = append(out, keyBytes...)
	return out, nil
}

func marshalPKCS12Key(key interface{}) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("could not marshal pkcs12 private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PerRPCCredentials produces metadata attached to every outbound call (§6's
// call-credentials contract), e.g. a bearer token source. GetMetadata may
// block (it is invoked before the request headers are sent) and must
// respect ctx's deadline.
type PerRPCCredentials interface {
	GetMetadata(ctx context.Context, uri string) (metadata.MD, error)
	// RequireTransportSecurity reports whether this credential must never
	// be sent over a cleartext (h2c) connection. call.Call does not consult
	// it: the metadata is attached over TLS and h2c alike.
	RequireTransportSecurity() bool
}

// StaticBearerToken is a PerRPCCredentials that attaches a fixed
// "authorization: Bearer <token>" header to every call.
type StaticBearerToken struct {
	Token string
	// AllowInsecure makes RequireTransportSecurity report false, for local
	// testing over h2c.
	AllowInsecure bool
}

func (s StaticBearerToken) GetMetadata(_ context.Context, _ string) (metadata.MD, error) {
	md := metadata.MD{}
	if err := md.Set("authorization", "Bearer "+s.Token); err != nil {
		return nil, err
	}
	return md, nil
}

func (s StaticBearerToken) RequireTransportSecurity() bool { return !s.AllowInsecure }
