// Package geoip resolves IP addresses to lowercase ISO 3166-1 alpha-2
// country codes from a local MaxMind-format database. Used during proxy
// import to backfill missing country fields.
package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// Reader abstracts the country lookup so tests can run without a database
// file.
type Reader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// Service wraps a Reader with hot-reload support. A Service with no loaded
// database answers "" for every lookup.
type Service struct {
	mu     sync.RWMutex
	reader Reader
}

// NewService creates an empty service.
func NewService() *Service {
	return &Service{}
}

// Load opens the mmdb file at path and swaps it in. In-flight lookups on the
// old reader finish before it is closed.
func (s *Service) Load(path string) error {
	r, err := openMMDB(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.reader
	s.reader = r
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// SetReader swaps in a reader directly. For tests.
func (s *Service) SetReader(r Reader) {
	s.mu.Lock()
	old := s.reader
	s.reader = r
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Lookup returns the country code for ip, or "" when unknown or no database
// is loaded.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	return s.reader.Lookup(ip)
}

// Close releases the underlying reader.
func (s *Service) Close() error {
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}

type mmdbReader struct {
	db *maxminddb.Reader
}

func openMMDB(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &mmdbReader{db: db}, nil
}

func (r *mmdbReader) Lookup(ip netip.Addr) string {
	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	return strings.ToLower(rec.Country.ISOCode)
}

func (r *mmdbReader) Close() error { return r.db.Close() }
