// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package ca

import (
	"crypto/x509"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func x509CertPool(t *testing.T, root *x509.Certificate) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(root)
	return pool
}

func verifyOpts(pool *x509.CertPool) x509.VerifyOptions {
	return x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
}

func newTestCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	c, err := New(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	require.NoError(t, err)
	require.NoError(t, c.EnsureRoot(false))
	return c
}

func TestEnsureRootGeneratesThenLoads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	c, err := New(certPath, keyPath)
	require.NoError(t, err)
	require.NoError(t, c.EnsureRoot(false))
	require.FileExists(t, certPath)
	require.FileExists(t, keyPath)

	// A second CA instance pointed at the same paths should load, not regenerate.
	c2, err := New(certPath, keyPath)
	require.NoError(t, err)
	require.NoError(t, c2.EnsureRoot(false))
	require.Equal(t, c.rootCert.SerialNumber, c2.rootCert.SerialNumber)
}

func TestGetLeafVerifiesAgainstRoot(t *testing.T) {
	c := newTestCA(t)

	leaf, err := c.GetLeaf("api.example.com")
	require.NoError(t, err)

	pool := x509CertPool(t, c.rootCert)
	_, err = leaf.Cert.Verify(verifyOpts(pool))
	require.NoError(t, err)
	require.Equal(t, []string{"api.example.com"}, leaf.Cert.DNSNames)
}

func TestGetLeafIsCachedAcrossCalls(t *testing.T) {
	c := newTestCA(t)

	first, err := c.GetLeaf("api.example.com")
	require.NoError(t, err)
	second, err := c.GetLeaf("api.example.com")
	require.NoError(t, err)

	require.Equal(t, first.Cert.SerialNumber, second.Cert.SerialNumber)
}

func TestGetLeafSingleFlightsConcurrentMints(t *testing.T) {
	c := newTestCA(t)

	const n = 32
	var wg sync.WaitGroup
	serials := make([]string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			leaf, err := c.GetLeaf("concurrent.example.com")
			require.NoError(t, err)
			serials[i] = leaf.Cert.SerialNumber.String()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, serials[0], serials[i], "all concurrent callers must observe the same minted leaf")
	}
}

func TestRemoveAllClearsRootAndCache(t *testing.T) {
	c := newTestCA(t)
	_, err := c.GetLeaf("api.example.com")
	require.NoError(t, err)

	require.NoError(t, c.RemoveAll())

	_, found := c.cache.Get("api.example.com")
	require.False(t, found)

	noFileErr := c.loadRoot()
	require.Error(t, noFileErr)
}

func TestMintLeafCountsSingleMintPerHost(t *testing.T) {
	c := newTestCA(t)
	var mints int32

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err, shared := c.flight.Do("shared.example.com", func() (interface{}, error) {
				atomic.AddInt32(&mints, 1)
				return c.mintLeaf("shared.example.com")
			})
			require.NoError(t, err)
			_ = shared
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&mints))
}
