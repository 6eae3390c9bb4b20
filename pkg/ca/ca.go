// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package ca is CodeGate's dynamic certificate authority: it owns the
// long-lived root keypair and mints per-host leaf certificates on demand
// so the proxy can impersonate any upstream for the lifetime of a CONNECT
// tunnel (spec §4.1).
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-core-stack/codegate-proxy/pkg/proxyerr"
)

const (
	rootValidity     = 10 * 365 * 24 * time.Hour
	leafValidity     = 365 * 24 * time.Hour
	leafRenewSkew    = 24 * time.Hour // §4.1: re-mint within 24h of expiry
	notBeforeSkew    = 5 * time.Minute
	rootKeyBits      = 4096
	leafKeyBits      = 2048
	defaultCacheSize = 4096
)

// Leaf pairs a minted certificate with its private key, ready for
// tls.Certificate construction.
type Leaf struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	TLS  tls.Certificate
}

// CA holds the root identity and the in-memory cache of minted leaves.
type CA struct {
	certPath string
	keyPath  string

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	cache  *lru.Cache[string, *Leaf]
	flight singleflight.Group

	logger zerolog.Logger
}

// New constructs a CA bound to the given on-disk paths. Callers must call
// EnsureRoot before minting leaves.
func New(certPath, keyPath string) (*CA, error) {
	cache, err := lru.New[string, *Leaf](defaultCacheSize)
	if err != nil {
		return nil, proxyerr.New(proxyerr.KindCAUnavailable, err, "allocate leaf cert cache")
	}
	return &CA{
		certPath: certPath,
		keyPath:  keyPath,
		cache:    cache,
		logger:   log.With().Str("component", "ca").Logger(),
	}, nil
}

// EnsureRoot loads the root keypair from disk, generating and persisting
// a fresh one if absent, or regenerating unconditionally when force is
// true (the operator's force_certs action, spec §6/§9).
func (c *CA) EnsureRoot(force bool) error {
	if !force {
		if err := c.loadRoot(); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.certPath), 0o755); err != nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, err, "create certs directory")
	}

	if err := c.generateRoot(); err != nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, err, "generate root CA")
	}

	return c.loadRoot()
}

func (c *CA) loadRoot() error {
	certPEM, err := os.ReadFile(c.certPath)
	if err != nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, err, "read root cert")
	}
	keyPEM, err := os.ReadFile(c.keyPath)
	if err != nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, err, "read root key")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, nil, "no PEM block in root cert")
	}
	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, err, "parse root cert")
	}
	if !rootCert.IsCA {
		return proxyerr.New(proxyerr.KindCAUnavailable, nil, "root cert is not a CA")
	}
	if time.Now().After(rootCert.NotAfter) {
		return proxyerr.New(proxyerr.KindCAUnavailable, nil, "root cert expired")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, nil, "no PEM block in root key")
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return proxyerr.New(proxyerr.KindCAUnavailable, err, "parse root key")
	}

	c.mu.Lock()
	c.rootCert = rootCert
	c.rootKey = rootKey
	c.mu.Unlock()

	c.logger.Info().Str("path", c.certPath).Time("not_after", rootCert.NotAfter).Msg("loaded CA root")
	return nil
}

func (c *CA) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "CodeGate Local CA",
			Organization: []string{"CodeGate"},
		},
		NotBefore:             time.Now().Add(-notBeforeSkew),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign root cert: %w", err)
	}

	if err := writeFileAtomic(c.certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})); err != nil {
		return fmt.Errorf("write root cert: %w", err)
	}
	if err := writeFileAtomic(c.keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})); err != nil {
		return fmt.Errorf("write root key: %w", err)
	}

	c.logger.Info().Str("path", c.certPath).Msg("generated new CA root")
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory then
// renames it into place, so a crash mid-write never leaves a truncated
// root cert or key on disk (spec §4.1: "write both... atomically").
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// GetLeaf returns a cached leaf for host when one exists and is not
// within leafRenewSkew of expiry, otherwise mints one. Concurrent callers
// for the same host share a single mint via the per-host single-flight
// group (spec §4.1, §5, and the testable property in §8).
func (c *CA) GetLeaf(host string) (*Leaf, error) {
	if leaf, ok := c.cache.Get(host); ok && time.Until(leaf.Cert.NotAfter) > leafRenewSkew {
		return leaf, nil
	}

	v, err, _ := c.flight.Do(host, func() (interface{}, error) {
		if leaf, ok := c.cache.Get(host); ok && time.Until(leaf.Cert.NotAfter) > leafRenewSkew {
			return leaf, nil
		}
		return c.mintLeaf(host)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Leaf), nil
}

func (c *CA) mintLeaf(host string) (*Leaf, error) {
	c.mu.RLock()
	rootCert, rootKey := c.rootCert, c.rootKey
	c.mu.RUnlock()
	if rootCert == nil || rootKey == nil {
		return nil, proxyerr.New(proxyerr.KindCAUnavailable, nil, "root not loaded")
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-notBeforeSkew),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf cert for %s: %w", host, err)
	}

	leafCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse minted leaf for %s: %w", host, err)
	}

	leaf := &Leaf{
		Cert: leafCert,
		Key:  key,
		TLS: tls.Certificate{
			Certificate: [][]byte{der, rootCert.Raw},
			PrivateKey:  key,
			Leaf:        leafCert,
		},
	}

	c.cache.Add(host, leaf)
	c.logger.Debug().Str("host", host).Time("not_after", leafCert.NotAfter).Msg("minted leaf certificate")
	return leaf, nil
}

// RootCertPEM returns the root certificate encoded as PEM, for the
// control-plane listener to hand to clients that need to trust the
// proxy's minted leaves.
func (c *CA) RootCertPEM() ([]byte, error) {
	c.mu.RLock()
	rootCert := c.rootCert
	c.mu.RUnlock()
	if rootCert == nil {
		return nil, proxyerr.New(proxyerr.KindCAUnavailable, nil, "root not loaded")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootCert.Raw}), nil
}

// RemoveAll deletes the root and clears every cached leaf (the operator
// action named in spec §4.1).
func (c *CA) RemoveAll() error {
	c.mu.Lock()
	c.rootCert = nil
	c.rootKey = nil
	c.mu.Unlock()

	c.cache.Purge()

	var firstErr error
	for _, p := range []string{c.certPath, c.keyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
