package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/dispatch"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/storage"
)

// decode copies tool parameters into a typed struct. Unknown parameters are ignored.
func decode(op string, params map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	if err := dec.Decode(params); err != nil {
		return apperr.Validation(op, "invalid parameters: %v", err)
	}
	return nil
}

// CertRef is embedded by every tool that addresses one certificate.
type CertRef struct {
	CertificateID string `mapstructure:"certificate_id"`
	SerialNumber  string `mapstructure:"serial_number"`
}

func (l CertRef) lookup() storage.Lookup {
	return storage.Lookup{
		CertificateID: strings.TrimSpace(l.CertificateID),
		SerialNumber:  strings.TrimSpace(l.SerialNumber),
	}
}

type issueParams struct {
	CommonName         string         `mapstructure:"common_name"`
	CAProvider         string         `mapstructure:"ca_provider"`
	AltNames           []string       `mapstructure:"alt_names"`
	Organization       string         `mapstructure:"organization"`
	OrganizationalUnit string         `mapstructure:"organizational_unit"`
	CertificateType    string         `mapstructure:"certificate_type"`
	TTL                string         `mapstructure:"ttl"`
	ValidityDays       int            `mapstructure:"validity_days"`
	ValidityMonths     int            `mapstructure:"validity_months"`
	ValidityYears      int            `mapstructure:"validity_years"`
	CSR                string         `mapstructure:"csr"`
	Role               string         `mapstructure:"role"`
	Metadata           map[string]any `mapstructure:"metadata"`
	IdempotencyKey     string         `mapstructure:"idempotency_key"`
	PerformedBy        string         `mapstructure:"performed_by"`
}

type revokeParams struct {
	CertRef     `mapstructure:",squash"`
	CAProvider  string `mapstructure:"ca_provider"`
	Reason      string `mapstructure:"reason"`
	PerformedBy string `mapstructure:"performed_by"`
}

type getParams struct {
	CertRef    `mapstructure:",squash"`
	CAProvider string `mapstructure:"ca_provider"`
	Refresh    bool   `mapstructure:"refresh"`
}

type inventoryParams struct {
	CAProvider   string `mapstructure:"ca_provider"`
	Status       string `mapstructure:"status"`
	CommonName   string `mapstructure:"common_name"`
	Organization string `mapstructure:"organization"`
	Limit        int    `mapstructure:"limit"`
	Offset       int    `mapstructure:"offset"`
}

type statusParams struct {
	CertRef     `mapstructure:",squash"`
	Status      string `mapstructure:"status"`
	Reason      string `mapstructure:"reason"`
	PerformedBy string `mapstructure:"performed_by"`
}

type operationsParams struct {
	CertificateID string `mapstructure:"certificate_id"`
	Limit         int    `mapstructure:"limit"`
}

type analyzeParams struct {
	CertificatePEM string `mapstructure:"certificate_pem"`
	CertificateID  string `mapstructure:"certificate_id"`
	PerformedBy    string `mapstructure:"performed_by"`
}

type providerParams struct {
	CAProvider string `mapstructure:"ca_provider"`
}

type resolveParams struct {
	Limit       int    `mapstructure:"limit"`
	PerformedBy string `mapstructure:"performed_by"`
}

// parseTTL accepts Go durations plus a day suffix ("30d").
func parseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// validity folds ttl, validity_days, validity_months and validity_years into one duration.
// The first one set wins in that order. Zero means the provider default.
func (p issueParams) validity() (time.Duration, error) {
	const day = 24 * time.Hour
	switch {
	case p.TTL != "":
		d, err := parseTTL(p.TTL)
		if err != nil || d <= 0 {
			return 0, apperr.Validation("issue_certificate", "invalid ttl %q", p.TTL)
		}
		return d, nil
	case p.ValidityDays != 0:
		return positive("validity_days", p.ValidityDays, day)
	case p.ValidityMonths != 0:
		return positive("validity_months", p.ValidityMonths, 30*day)
	case p.ValidityYears != 0:
		return positive("validity_years", p.ValidityYears, 365*day)
	}
	return 0, nil
}

func positive(name string, n int, unit time.Duration) (time.Duration, error) {
	if n < 0 || int64(n) > math.MaxInt64/int64(unit) {
		return 0, apperr.Validation("issue_certificate", "%s out of range", name)
	}
	return time.Duration(n) * unit, nil
}

func parseProvider(op, name string) (model.CAProvider, error) {
	p, err := model.ParseCAProvider(name)
	if err != nil {
		return "", apperr.New(op, apperr.KindValidation, fmt.Errorf("%w: %s", apperr.ErrUnknownProvider, name))
	}
	return p, nil
}

// performedBy resolves who is recorded on an audit row.
func (s *Service) performedBy(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if who := dispatch.CallerFrom(ctx); who != "" {
		return who
	}
	if s.opts.DefaultPerformedBy != "" {
		return s.opts.DefaultPerformedBy
	}
	return "system"
}
