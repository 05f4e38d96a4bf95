package security

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

// ServerTLSConfig builds the config the webhook listener terminates TLS with.
// Telegram delivers updates over TLS 1.2+, so the floor stays at 1.2.
func ServerTLSConfig(certificatePath, keyPath string) (*tls.Config, error) {
	errorb := oops.
		In(util.GetFunctionName()).
		Code(perr.ENOENT)

	certificate, err := tls.LoadX509KeyPair(certificatePath, keyPath)
	if err != nil {
		return nil, errorb.Wrapf(err, "failed to load certificate from path '%s' and key from path '%s'", certificatePath, keyPath)
	}

	return &tls.Config{
		Certificates:  []tls.Certificate{certificate},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}, nil
}

// ClientTLSConfig builds the config for outbound calls to services signed by a
// private CA. An empty truststore path keeps the system root pool.
func ClientTLSConfig(truststorePath string) (*tls.Config, error) {
	errorb := oops.
		In(util.GetFunctionName()).
		Code(perr.ENOENT)

	config := &tls.Config{
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}
	if truststorePath == "" {
		return config, nil
	}

	// 1. Load trusted CA bundle
	caBytes, err := os.ReadFile(truststorePath)
	if err != nil {
		return nil, errorb.Wrapf(err, "failed to read truststore from path '%s'", truststorePath)
	}

	// 2. Append it to the pool served to the TLS handshake
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, errorb.Errorf("failed to append truststore from path '%s' to cert pool", truststorePath)
	}
	config.RootCAs = caPool

	return config, nil
}
