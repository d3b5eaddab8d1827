package cert

import (
	"crypto/tls"
	"crypto/x509"
)

// CA mints per-host leaf certificates chained to a root the client trusts.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(host string) (*tls.Certificate, error)
}
