package cert

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
	"testing"
)

func leafOf(t *testing.T, c *tls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return leaf
}

func TestGetCert(t *testing.T) {
	ca, err := NewSelfSignCAMemory()
	if err != nil {
		t.Fatal(err)
	}

	c, err := ca.GetCert("secure.test")
	if err != nil {
		t.Fatal(err)
	}

	leaf := leafOf(t, c)
	if leaf.Subject.CommonName != "secure.test" {
		t.Fatalf("leaf CN = %q", leaf.Subject.CommonName)
	}
	if err := leaf.VerifyHostname("secure.test"); err != nil {
		t.Fatalf("SAN does not cover host: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.GetRootCA())
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots}); err != nil {
		t.Fatalf("leaf does not chain to root: %v", err)
	}
}

func TestGetCertMemoizes(t *testing.T) {
	ca, err := NewSelfSignCAMemory()
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ca.GetCert("secure.test"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := ca.Minted(); got != 1 {
		t.Fatalf("expected exactly one mint for a single host, got %d", got)
	}

	if _, err := ca.GetCert("other.test"); err != nil {
		t.Fatal(err)
	}
	if got := ca.Minted(); got != 2 {
		t.Fatalf("expected second host to mint once, got %d", got)
	}
}

func TestGetCertIPHost(t *testing.T) {
	ca, err := NewSelfSignCAMemory()
	if err != nil {
		t.Fatal(err)
	}

	c, err := ca.GetCert("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	leaf := leafOf(t, c)
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("expected IP SAN, got %v", leaf.IPAddresses)
	}
}

func TestLoadPersistedCA(t *testing.T) {
	dir := t.TempDir()

	first, err := NewSelfSignCA(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewSelfSignCA(dir)
	if err != nil {
		t.Fatal(err)
	}

	if !first.RootCert.Equal(&second.RootCert) {
		t.Fatal("expected the persisted root to be reloaded")
	}
}
