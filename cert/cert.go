package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var errCaNotFound = errors.New("ca not found")

// SelfSignCA is a self-signed root CA plus a memoized leaf factory.
// Leaf certs are cached by host; insertion is the only mutation and
// concurrent misses for the same host collapse into a single mint.
type SelfSignCA struct {
	rsa.PrivateKey
	RootCert  x509.Certificate
	StorePath string

	cache *lru.Cache
	group *singleflight.Group

	cacheMu sync.Mutex
	minted  atomic.Int64
}

func createRoot() (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() / 100000),
		Subject: pkix.Name{
			CommonName:   "trafexia",
			Organization: []string{"trafexia"},
		},
		NotBefore:             time.Now().Add(-time.Hour * 48),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365 * 3),
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, nil, err
	}

	return key, cert, nil
}

// NewSelfSignCAMemory creates a root CA that lives only in memory. Mainly
// for tests; the root changes on every process start.
func NewSelfSignCAMemory() (*SelfSignCA, error) {
	key, cert, err := createRoot()
	if err != nil {
		return nil, err
	}
	return &SelfSignCA{
		PrivateKey: *key,
		RootCert:   *cert,
		cache:      lru.New(0),
		group:      new(singleflight.Group),
	}, nil
}

// NewSelfSignCA loads the root CA from path, creating and persisting a
// fresh one when none exists yet.
func NewSelfSignCA(path string) (*SelfSignCA, error) {
	storePath, err := ensureStorePath(path)
	if err != nil {
		return nil, err
	}

	ca := &SelfSignCA{
		StorePath: storePath,
		cache:     lru.New(0),
		group:     new(singleflight.Group),
	}

	if err := ca.load(); err != nil {
		if err != errCaNotFound {
			return nil, err
		}
	} else {
		log.Debug("load root ca")
		return ca, nil
	}

	if err := ca.create(); err != nil {
		return nil, err
	}
	log.Debug("create root ca")
	return ca, nil
}

func ensureStorePath(path string) (string, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(homeDir, ".trafexia")
	}

	if !filepath.IsAbs(path) {
		dir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, path)
	}

	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, os.ModePerm); err != nil {
				return "", err
			}
		} else {
			return "", err
		}
	} else if !stat.Mode().IsDir() {
		return "", fmt.Errorf("path %v is not a directory", path)
	}

	return path, nil
}

// caFile holds the private key and the certificate, both PEM.
func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.StorePath, "trafexia-ca.pem")
}

// caCertFile holds only the certificate, for handing out to clients.
func (ca *SelfSignCA) caCertFile() string {
	return filepath.Join(ca.StorePath, "trafexia-ca-cert.pem")
}

func (ca *SelfSignCA) load() error {
	caFile := ca.caFile()
	stat, err := os.Stat(caFile)
	if err != nil {
		if os.IsNotExist(err) {
			return errCaNotFound
		}
		return err
	}

	if !stat.Mode().IsRegular() {
		return fmt.Errorf("%v is not a regular file", caFile)
	}

	data, err := os.ReadFile(caFile)
	if err != nil {
		return err
	}

	keyDERBlock, data := pem.Decode(data)
	if keyDERBlock == nil {
		return fmt.Errorf("no PRIVATE KEY block in %v", caFile)
	}
	certDERBlock, _ := pem.Decode(data)
	if certDERBlock == nil {
		return fmt.Errorf("no CERTIFICATE block in %v", caFile)
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDERBlock.Bytes)
	if err != nil {
		return err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return errors.New("found unknown private key type in PKCS#8 wrapping")
	}
	ca.PrivateKey = *privateKey

	x509Cert, err := x509.ParseCertificate(certDERBlock.Bytes)
	if err != nil {
		return err
	}
	ca.RootCert = *x509Cert

	return nil
}

func (ca *SelfSignCA) create() error {
	key, cert, err := createRoot()
	if err != nil {
		return err
	}

	ca.PrivateKey = *key
	ca.RootCert = *cert

	if err := ca.save(); err != nil {
		return err
	}
	return ca.saveCert()
}

func (ca *SelfSignCA) save() error {
	file, err := os.Create(ca.caFile())
	if err != nil {
		return err
	}
	defer file.Close()

	keyBytes, err := x509.MarshalPKCS8PrivateKey(&ca.PrivateKey)
	if err != nil {
		return err
	}
	if err := pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return err
	}
	return pem.Encode(file, &pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw})
}

func (ca *SelfSignCA) saveCert() error {
	file, err := os.Create(ca.caCertFile())
	if err != nil {
		return err
	}
	defer file.Close()
	return pem.Encode(file, &pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw})
}

func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return &ca.RootCert
}

// GetCert returns the leaf certificate for host, minting it on first use.
// The cache key is the host exactly as given.
func (ca *SelfSignCA) GetCert(host string) (*tls.Certificate, error) {
	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(host); ok {
		ca.cacheMu.Unlock()
		return val.(*tls.Certificate), nil
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(host, func() (interface{}, error) {
		// a mint that finished after our cache check has already filled it
		ca.cacheMu.Lock()
		if val, ok := ca.cache.Get(host); ok {
			ca.cacheMu.Unlock()
			return val, nil
		}
		ca.cacheMu.Unlock()

		cert, err := ca.MintLeaf(host)
		if err == nil {
			ca.cacheMu.Lock()
			ca.cache.Add(host, cert)
			ca.cacheMu.Unlock()
		}
		return cert, err
	})

	if err != nil {
		return nil, err
	}

	return val.(*tls.Certificate), nil
}

// Minted returns how many leaf certificates have been generated, cache
// hits excluded.
func (ca *SelfSignCA) Minted() int64 {
	return ca.minted.Load()
}

// MintLeaf generates a certificate for host signed by the root. The
// Subject CN and the SAN both cover host (DNS name or IP).
func (ca *SelfSignCA) MintLeaf(host string) (*tls.Certificate, error) {
	log.Debugf("mint leaf cert: %v", host)
	ca.minted.Inc()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() / 100000),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"trafexia"},
		},
		NotBefore:          time.Now().Add(-time.Hour * 48),
		NotAfter:           time.Now().Add(time.Hour * 24 * 365),
		SignatureAlgorithm: x509.SHA256WithRSA,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, &ca.RootCert, &ca.PrivateKey.PublicKey, &ca.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{certBytes},
		PrivateKey:  &ca.PrivateKey,
	}, nil
}
