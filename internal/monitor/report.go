package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/model"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Health values used in CAStatus.Status.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusError    = "error"
)

// Alert is one finding worth telling an operator about.
type Alert struct {
	Severity        Severity         `json:"severity"`
	Provider        model.CAProvider `json:"provider,omitempty"`
	Mount           string           `json:"mount,omitempty"`
	CertificateID   string           `json:"certificate_id,omitempty"`
	Message         string           `json:"message"`
	DaysUntilExpiry *int             `json:"days_until_expiry,omitempty"`
}

// CAStatus is the state of one issuing CA certificate.
type CAStatus struct {
	Provider        model.CAProvider `json:"provider"`
	Mount           string           `json:"mount"`
	CommonName      string           `json:"common_name,omitempty"`
	SerialNumber    string           `json:"serial_number,omitempty"`
	NotAfter        *time.Time       `json:"not_after,omitempty"`
	DaysUntilExpiry int              `json:"days_until_expiry"`
	Status          string           `json:"status"`
	Error           string           `json:"error,omitempty"`
}

// ExpiringCertificate is a leaf certificate inside the warning window.
type ExpiringCertificate struct {
	CertificateID   string           `json:"certificate_id"`
	CommonName      string           `json:"common_name"`
	SerialNumber    string           `json:"serial_number,omitempty"`
	CAProvider      model.CAProvider `json:"ca_provider"`
	ExpiresAt       time.Time        `json:"expires_at"`
	DaysUntilExpiry int              `json:"days_until_expiry"`
	Severity        Severity         `json:"severity"`
}

// Statistics summarizes a run.
type Statistics struct {
	ProvidersChecked     int `json:"providers_checked"`
	ProvidersUnreachable int `json:"providers_unreachable"`
	CACertificates       int `json:"ca_certificates"`
	Healthy              int `json:"healthy"`
	Warning              int `json:"warning"`
	Critical             int `json:"critical"`
	Errors               int `json:"errors"`
	ExpiringLeaves       int `json:"expiring_leaves"`
	ExpiredLeaves        int `json:"expired_leaves"` // Transitioned to expired during this run
}

// Report is the output of one expiry scan.
type Report struct {
	Timestamp            time.Time             `json:"timestamp"`
	ProviderHealth       map[string]string     `json:"provider_health"`
	CACertificates       []CAStatus            `json:"ca_certificates"`
	ExpiringCertificates []ExpiringCertificate `json:"expiring_certificates"`
	Alerts               []Alert               `json:"alerts"`
	Statistics           Statistics            `json:"statistics"`
}

func newReport(now time.Time) *Report {
	return &Report{
		Timestamp:            now,
		ProviderHealth:       make(map[string]string),
		CACertificates:       []CAStatus{},
		ExpiringCertificates: []ExpiringCertificate{},
		Alerts:               []Alert{},
	}
}

// Count returns the number of alerts at severity s.
func (r *Report) Count(s Severity) int {
	n := 0
	for _, a := range r.Alerts {
		if a.Severity == s {
			n++
		}
	}
	return n
}

// ReportStore persists scan reports.
type ReportStore interface {
	Save(ctx context.Context, report *Report) error
}

const latestReportName = "cert-status-latest.json"

func reportName(ts time.Time) string {
	return fmt.Sprintf("cert-status-%s.json", ts.UTC().Format("20060102T150405Z"))
}

func encodeReport(report *Report) ([]byte, error) {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("monitor: failed to encode report: %w", err)
	}
	return b, nil
}

// FileReportStore writes each report twice: a timestamped file and cert-status-latest.json.
type FileReportStore struct {
	Dir string
}

func NewFileReportStore(dir string) *FileReportStore {
	return &FileReportStore{Dir: dir}
}

func (f *FileReportStore) Save(_ context.Context, report *Report) error {
	body, err := encodeReport(report)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("monitor: failed to create report directory %s: %w", f.Dir, err)
	}
	for _, name := range []string{reportName(report.Timestamp), latestReportName} {
		if err := writeFileAtomic(filepath.Join(f.Dir, name), body); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic replaces path through a temp file so readers never see a partial report.
func writeFileAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cert-status-*")
	if err != nil {
		return fmt.Errorf("monitor: failed to create temp report file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("monitor: failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("monitor: failed to write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("monitor: failed to move report into place: %w", err)
	}
	return nil
}

// S3API is the subset of *s3.Client the report store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ReportStore mirrors reports into a bucket under the same two names as FileReportStore.
type S3ReportStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3ReportStore builds a store from the default AWS credential chain.
func NewS3ReportStore(ctx context.Context, bucket, prefix, region string) (*S3ReportStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("monitor: failed to load AWS config: %w", err)
	}
	return NewS3ReportStoreWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewS3ReportStoreWithClient(client S3API, bucket, prefix string) *S3ReportStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3ReportStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3ReportStore) Save(ctx context.Context, report *Report) error {
	body, err := encodeReport(report)
	if err != nil {
		return err
	}
	for _, name := range []string{reportName(report.Timestamp), latestReportName} {
		key := s.prefix + name
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("monitor: failed to upload report to s3://%s/%s: %w", s.bucket, key, err)
		}
	}
	return nil
}

// MultiReportStore saves to every store and joins the failures.
type MultiReportStore []ReportStore

func (m MultiReportStore) Save(ctx context.Context, report *Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, report); err != nil {
			logger.Error("Failed to persist expiry report", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
