// Copyright 2026 The localhostess Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package localca implements the CertAuthority collaborator spec §1
// assumes ("a local Certificate Authority loader and per-hostname leaf
// cert issuer: get_cert(hostname) → {cert, key}, mitm_available()").
//
// It generates an in-memory root once at startup and issues leaf
// certificates per hostname on first request, caching them for the life
// of the process, the same persistence lifetime spec §3 gives
// TlsVirtualServer. The issuance code follows caddytls/selfsigned.go,
// which solves the identical "mint a self-signed leaf for a hostname"
// problem; no third-party CA/ACME library in the corpus fits a purely
// local, non-ACME dev CA (see DESIGN.md).
package localca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"
)

// Authority is the CertAuthority contract: issue a TLS certificate for
// hostname, and report whether MITM is available at all (it always is
// for this in-process authority once constructed, but the interface
// exists so callers don't hard-code that assumption: mitm_available()
// is a first-class routing input in spec §4.1 rule 1).
type Authority interface {
	GetCert(hostname string) (tls.Certificate, error)
	MitmAvailable() bool
}

// SelfSigned is an Authority backed by a single in-memory root CA,
// generated once and used to sign every leaf this process issues.
type SelfSigned struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey

	mu    sync.Mutex
	leafs map[string]tls.Certificate
}

// NewSelfSigned generates a fresh root CA and returns an Authority ready
// to issue leaf certificates.
func NewSelfSigned() (*SelfSigned, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("localca: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("localca: generate root serial: %w", err)
	}

	now := time.Now()
	rootTemplate := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"localhostess dev CA"}, CommonName: "localhostess root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("localca: create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("localca: parse root certificate: %w", err)
	}

	return &SelfSigned{
		rootCert: rootCert,
		rootKey:  rootKey,
		leafs:    make(map[string]tls.Certificate),
	}, nil
}

// MitmAvailable always reports true for a constructed SelfSigned
// authority. It exists to satisfy Authority and let callers (the
// CONNECT classifier, spec §4.1 rule 1) treat MITM availability as data
// rather than a compile-time assumption.
func (s *SelfSigned) MitmAvailable() bool { return true }

// GetCert returns a leaf certificate for hostname, minting and caching
// one on first request (spec §4.6 step 1: "Get or create a per-hostname
// TLS virtual server... configured with the leaf cert and key from
// get_cert(host)").
func (s *SelfSigned) GetCert(hostname string) (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cert, ok := s.leafs[hostname]; ok {
		return cert, nil
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("localca: generate leaf key for %q: %w", hostname, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("localca: generate leaf serial for %q: %w", hostname, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"localhostess dev CA"}, CommonName: hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{strings.ToLower(hostname)}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, s.rootCert, &leafKey.PublicKey, s.rootKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("localca: create leaf certificate for %q: %w", hostname, err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{derBytes, s.rootCert.Raw},
		PrivateKey:  leafKey,
		Leaf:        template,
	}
	s.leafs[hostname] = cert
	return cert, nil
}
