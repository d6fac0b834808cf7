package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blockadesystems/certfleet/internal/certutil"
)

// FakeVault is an in-process stand-in for the subset of the Vault PKI API the internal-pki adapter uses.
type FakeVault struct {
	*httptest.Server

	Token string
	Mount string

	t      *testing.T
	mu     sync.Mutex
	caPEM  string
	certs  map[string]*fakeVaultCert
	order  []string
	sealed bool
	delay  time.Duration
	calls  []string
}

type fakeVaultCert struct {
	pem       string
	revokedAt int64
}

// NewFakeVault starts a fake Vault serving mount pki_int with a one-year CA.
func NewFakeVault(t *testing.T) *FakeVault {
	t.Helper()
	f := &FakeVault{
		Token: "test-token",
		Mount: "pki_int",
		t:     t,
		certs: make(map[string]*fakeVaultCert),
	}
	f.SetCAExpiry(time.Now().Add(365 * 24 * time.Hour))
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

// SetCAExpiry replaces the mount's CA certificate with one expiring at notAfter.
func (f *FakeVault) SetCAExpiry(notAfter time.Time) {
	caPEM, _, err := certutil.NewSelfSigned(certutil.SelfSignedOptions{
		CommonName: "Fake Intermediate CA",
		NotBefore:  notAfter.Add(-2 * 365 * 24 * time.Hour),
		NotAfter:   notAfter,
		IsCA:       true,
	})
	if err != nil {
		f.t.Fatalf("fake vault: failed to create CA: %v", err)
	}
	f.mu.Lock()
	f.caPEM = string(caPEM)
	f.mu.Unlock()
}

func (f *FakeVault) SetSealed(sealed bool) {
	f.mu.Lock()
	f.sealed = sealed
	f.mu.Unlock()
}

// SetDelay makes every response wait d, or until the client gives up.
func (f *FakeVault) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// RevocationTime returns the unix revocation time of serial, 0 when not revoked.
func (f *FakeVault) RevocationTime(serial string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.certs[serial]; ok {
		return c.revokedAt
	}
	return 0
}

// Calls returns "METHOD /path" for every request received so far.
func (f *FakeVault) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeVault) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if r.Header.Get("X-Vault-Token") != f.Token {
		writeVault(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case path == "sys/health":
		f.mu.Lock()
		sealed := f.sealed
		f.mu.Unlock()
		writeVault(w, http.StatusOK, map[string]any{"initialized": true, "sealed": sealed, "standby": false, "version": "1.16.0"})
	case path == "sys/mounts":
		writeVault(w, http.StatusOK, map[string]any{"data": map[string]any{
			f.Mount + "/": map[string]any{"type": "pki", "description": "intermediate"},
			"secret/":     map[string]any{"type": "kv", "description": "kv"},
		}})
	case strings.HasPrefix(path, f.Mount+"/"):
		f.handleMount(w, r, strings.TrimPrefix(path, f.Mount+"/"))
	default:
		writeVault(w, http.StatusNotFound, map[string]any{"errors": []string{"no handler for route"}})
	}
}

func (f *FakeVault) handleMount(w http.ResponseWriter, r *http.Request, rest string) {
	isWrite := r.Method == http.MethodPut || r.Method == http.MethodPost
	switch {
	case isWrite && (strings.HasPrefix(rest, "issue/") || strings.HasPrefix(rest, "sign/")):
		f.issue(w, r, strings.HasPrefix(rest, "issue/"))
	case isWrite && rest == "revoke":
		f.revoke(w, r)
	case r.Method == http.MethodGet && rest == "certs" && r.URL.Query().Get("list") == "true":
		f.mu.Lock()
		keys := append([]string(nil), f.order...)
		f.mu.Unlock()
		sort.Strings(keys)
		writeVault(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
	case r.Method == http.MethodGet && rest == "cert/ca":
		f.mu.Lock()
		caPEM := f.caPEM
		f.mu.Unlock()
		writeVault(w, http.StatusOK, map[string]any{"data": map[string]any{"certificate": caPEM}})
	case r.Method == http.MethodGet && strings.HasPrefix(rest, "cert/"):
		serial := strings.TrimPrefix(rest, "cert/")
		f.mu.Lock()
		c, ok := f.certs[serial]
		var data map[string]any
		if ok {
			data = map[string]any{"certificate": c.pem, "revocation_time": c.revokedAt}
		}
		f.mu.Unlock()
		if !ok {
			writeVault(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		writeVault(w, http.StatusOK, map[string]any{"data": data})
	default:
		writeVault(w, http.StatusNotFound, map[string]any{"errors": []string{"unsupported path " + rest}})
	}
}

func (f *FakeVault) issue(w http.ResponseWriter, r *http.Request, withKey bool) {
	var body struct {
		CommonName string `json:"common_name"`
		AltNames   string `json:"alt_names"`
		TTL        string `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CommonName == "" {
		writeVault(w, http.StatusBadRequest, map[string]any{"errors": []string{"missing common_name"}})
		return
	}
	ttl, err := time.ParseDuration(body.TTL)
	if err != nil || ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	names := []string{body.CommonName}
	for _, n := range strings.Split(body.AltNames, ",") {
		if n = strings.TrimSpace(n); n != "" && n != body.CommonName {
			names = append(names, n)
		}
	}

	now := time.Now()
	certPEM, keyPEM, err := certutil.NewSelfSigned(certutil.SelfSignedOptions{
		CommonName: body.CommonName,
		DNSNames:   names,
		NotBefore:  now.Add(-time.Minute),
		NotAfter:   now.Add(ttl),
	})
	if err != nil {
		writeVault(w, http.StatusInternalServerError, map[string]any{"errors": []string{err.Error()}})
		return
	}
	cert, _ := certutil.ParseCertificate(certPEM)
	serial := certutil.FormatSerial(cert.SerialNumber)

	f.mu.Lock()
	f.certs[serial] = &fakeVaultCert{pem: string(certPEM)}
	f.order = append(f.order, serial)
	caPEM := f.caPEM
	f.mu.Unlock()

	data := map[string]any{
		"certificate":   string(certPEM),
		"issuing_ca":    caPEM,
		"ca_chain":      []string{caPEM},
		"serial_number": serial,
		"expiration":    cert.NotAfter.Unix(),
	}
	if withKey {
		data["private_key"] = string(keyPEM)
		data["private_key_type"] = "ec"
	}
	writeVault(w, http.StatusOK, map[string]any{"data": data})
}

func (f *FakeVault) revoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SerialNumber string `json:"serial_number"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	c, ok := f.certs[body.SerialNumber]
	if ok && c.revokedAt == 0 {
		c.revokedAt = time.Now().Unix()
	}
	var revokedAt int64
	if ok {
		revokedAt = c.revokedAt
	}
	f.mu.Unlock()

	if !ok {
		writeVault(w, http.StatusBadRequest, map[string]any{"errors": []string{"certificate with serial " + body.SerialNumber + " not found"}})
		return
	}
	writeVault(w, http.StatusOK, map[string]any{"data": map[string]any{"revocation_time": revokedAt}})
}

func writeVault(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
