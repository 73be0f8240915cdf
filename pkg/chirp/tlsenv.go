package chirp

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// tlsEnvCache shares a loaded tlsEnv across every Chirp instance in this
// process that points at the same CERT_CHAIN_PEM/DH_PARAMS_PEM pair, unless
// a given instance's Config.TLSManualMode opts it out. This models spec.md
// §5's "TLS library init/cleanup are reference-counted across chirp
// instances; an optional manual mode disables this" — see DESIGN.md for why
// there is no literal refcount to manage here.
var (
	tlsEnvCacheMu sync.Mutex
	tlsEnvCache   = map[[2]string]*tlsEnv{}
)

func acquireTLSEnv(cfg *Config) (*tlsEnv, error) {
	if cfg.TLSManualMode {
		return loadTLSEnv(cfg)
	}
	key := [2]string{cfg.CertChainPEM, cfg.DHParamsPEM}
	tlsEnvCacheMu.Lock()
	defer tlsEnvCacheMu.Unlock()
	if env, ok := tlsEnvCache[key]; ok {
		return env, nil
	}
	env, err := loadTLSEnv(cfg)
	if err != nil {
		return nil, err
	}
	tlsEnvCache[key] = env
	return env, nil
}

// tlsEnv holds the TLS material and restricted *tls.Config shared by every
// Connection this Chirp instance makes or accepts, unless
// Config.TLSManualMode asks each instance to load its own copy instead of
// reusing a process-wide cache. Without manual mode, instances pointed at
// the same PEM files share one tlsEnv through tlsEnvCache.
type tlsEnv struct {
	cert       tls.Certificate
	clientPool *x509.CertPool
}

// loadTLSEnv reads CertChainPEM (containing both the leaf certificate chain
// and its private key, PEM-concatenated) and verifies DHParamsPEM parses as
// valid PEM. Go's crypto/tls negotiates ECDHE itself and has no equivalent
// of OpenSSL's SSL_CTX_set_tmp_dh, so the DH parameters are accepted for
// compatibility with deployments that already generate them but are not
// otherwise consulted; this is recorded as a deliberate deviation in
// DESIGN.md.
func loadTLSEnv(cfg *Config) (*tlsEnv, error) {
	certPEM, err := os.ReadFile(cfg.CertChainPEM)
	if err != nil {
		return nil, fmt.Errorf("read CERT_CHAIN_PEM: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CERT_CHAIN_PEM: %w", err)
	}

	dhPEM, err := os.ReadFile(cfg.DHParamsPEM)
	if err != nil {
		return nil, fmt.Errorf("read DH_PARAMS_PEM: %w", err)
	}
	if blk, _ := pem.Decode(dhPEM); blk == nil {
		return nil, fmt.Errorf("parse DH_PARAMS_PEM: no PEM block found")
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	return &tlsEnv{cert: cert, clientPool: pool}, nil
}

// baseConfig is the cipher/version restriction both client and server
// configs share: TLS 1.2 only (chirp does not need 1.3's 0-RTT properties
// and 1.2 keeps the peer-certificate-required handshake shape spec.md's
// FAIL_IF_NO_PEER_CERT policy expects), and a cipher-suite
// list favoring the same AES-GCM suites the original OpenSSL cipher string
// (DHE-RSA/DHE-DSS-AES256-GCM-SHA384 and friends) selected, adapted to the
// ECDHE suites Go's stack actually implements.
func (e *tlsEnv) baseConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{e.cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// serverConfig requires and verifies a peer certificate, matching spec.md's
// FAIL_IF_NO_PEER_CERT requirement for inbound connections.
func (e *tlsEnv) serverConfig() *tls.Config {
	cfg := e.baseConfig()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.ClientCAs = e.clientPool
	return cfg
}

// clientConfig presents this instance's certificate and verifies the
// server's against the same shared pool. Chirp peers authenticate each
// other by certificate, not by hostname, so the usual hostname check is
// replaced with a direct chain verification against clientPool.
func (e *tlsEnv) clientConfig() *tls.Config {
	cfg := e.baseConfig()
	cfg.RootCAs = e.clientPool
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("chirp: peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("chirp: parse peer certificate: %w", err)
		}
		_, err = leaf.Verify(x509.VerifyOptions{Roots: e.clientPool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
		return err
	}
	return cfg
}
