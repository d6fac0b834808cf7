// Package monitor periodically checks CA and leaf certificate expiry, writes a status report and
// raises alerts when something is close to expiring.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/zapr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/cache"
	"github.com/blockadesystems/certfleet/internal/metrics"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/storage"
)

var logger *zap.Logger

func init() {
	var err error
	logger, err = zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = logger.With(zap.String("package", "monitor"))
}

// ErrRunInProgress is returned by RunOnce while another scan is running.
var ErrRunInProgress = errors.New("monitor: an expiry scan is already running")

// sweepPerformedBy is recorded on audit rows written by the leaf sweep.
const sweepPerformedBy = "expiry-monitor"

// Store is the part of the certificate store the monitor needs.
type Store interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error)
	UpdateCertificateStatus(ctx context.Context, update storage.StatusUpdate) (*storage.StatusUpdateResult, error)
}

// Options configures a Monitor. Zero values pick the defaults.
type Options struct {
	Interval     time.Duration
	RunTimeout   time.Duration
	WarningDays  int
	CriticalDays int
	SweepLeaves  bool
	Cache        cache.Cache // Optional; entries of swept certificates are dropped from it
}

// Monitor runs expiry scans on a schedule and on demand.
type Monitor struct {
	providers *provider.Registry
	store     Store // nil disables the leaf sweep
	reports   ReportStore
	alerts    AlertSink
	opts      Options
	now       func() time.Time

	running sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup // The run Start kicks off outside the schedule
}

// New creates a monitor. store, reports and alerts may be nil.
func New(providers *provider.Registry, store Store, reports ReportStore, alerts AlertSink, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.WarningDays <= 0 {
		opts.WarningDays = 30
	}
	if opts.CriticalDays <= 0 {
		opts.CriticalDays = 7
	}
	return &Monitor{
		providers: providers,
		store:     store,
		reports:   reports,
		alerts:    alerts,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the scan every Interval and runs one immediately. Runs never overlap.
func (m *Monitor) Start() error {
	cronLogger := zapr.NewLogger(logger)
	m.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := m.cron.AddFunc("@every "+m.opts.Interval.String(), m.scheduled); err != nil {
		return fmt.Errorf("monitor: failed to schedule expiry scan: %w", err)
	}
	m.cron.Start()
	m.initial.Add(1)
	go func() {
		defer m.initial.Done()
		m.scheduled()
	}()
	logger.Info("Expiry monitor started", zap.Duration("interval", m.opts.Interval))
	return nil
}

// Stop halts the schedule and waits for running scans, the initial one included, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) {
	if m.cron == nil {
		return
	}
	cronDone := m.cron.Stop()
	finished := make(chan struct{})
	go func() {
		<-cronDone.Done()
		m.initial.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		logger.Warn("Expiry monitor did not stop in time")
	}
}

func (m *Monitor) scheduled() {
	if _, err := m.RunOnce(context.Background()); err != nil && !errors.Is(err, ErrRunInProgress) {
		logger.Error("Scheduled expiry scan failed", zap.Error(err))
	}
}

// RunOnce performs one scan. It returns ErrRunInProgress if a scan is already running.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	if !m.running.TryLock() {
		metrics.MonitorRuns.WithLabelValues("skipped").Inc()
		return nil, ErrRunInProgress
	}
	defer m.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	report := m.scan(ctx)

	var errs []error
	if m.reports != nil {
		if err := m.reports.Save(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	if m.alerts != nil && (report.Count(SeverityCritical) > 0 || report.Count(SeverityWarning) > 0) {
		if err := m.alerts.Send(ctx, report); err != nil {
			logger.Error("Failed to deliver expiry alert", zap.Error(err))
			errs = append(errs, err)
		}
	}

	metrics.MonitorAlerts.WithLabelValues(string(SeverityCritical)).Set(float64(report.Count(SeverityCritical)))
	metrics.MonitorAlerts.WithLabelValues(string(SeverityWarning)).Set(float64(report.Count(SeverityWarning)))
	metrics.MonitorLastRun.SetToCurrentTime()
	outcome := "ok"
	if len(errs) > 0 {
		outcome = "error"
	}
	metrics.MonitorRuns.WithLabelValues(outcome).Inc()

	logger.Info("Expiry scan finished",
		zap.Duration("duration", time.Since(start)),
		zap.Int("critical", report.Count(SeverityCritical)),
		zap.Int("warning", report.Count(SeverityWarning)),
		zap.Int("expired_leaves", report.Statistics.ExpiredLeaves))
	return report, errors.Join(errs...)
}

// classify maps days until expiry to a CA status.
func (m *Monitor) classify(days int) string {
	switch {
	case days <= m.opts.CriticalDays:
		return StatusCritical
	case days <= m.opts.WarningDays:
		return StatusWarning
	}
	return StatusHealthy
}

// leafSeverity grades a leaf inside the warning window.
func (m *Monitor) leafSeverity(days int) Severity {
	if days <= m.opts.CriticalDays {
		return SeverityCritical
	}
	return SeverityWarning
}

func (m *Monitor) scan(ctx context.Context) *Report {
	now := m.now()
	report := newReport(now)
	if m.providers != nil {
		for _, p := range m.providers.All() {
			m.checkProvider(ctx, p, now, report)
		}
	}
	if m.store != nil && m.opts.SweepLeaves {
		m.sweepLeaves(ctx, now, report)
	}
	return report
}

func (m *Monitor) checkProvider(ctx context.Context, p provider.Provider, now time.Time, report *Report) {
	ci, ok := provider.AsCAInspector(p)
	if !ok {
		return
	}
	name := p.Name()
	report.Statistics.ProvidersChecked++

	if hc, ok := provider.AsHealthChecker(p); ok {
		if err := hc.Health(ctx); err != nil {
			logger.Error("CA provider unreachable", zap.String("provider", string(name)), zap.Error(err))
			report.ProviderHealth[string(name)] = "unreachable"
			report.Statistics.ProvidersUnreachable++
			report.Alerts = append(report.Alerts, Alert{
				Severity: SeverityCritical,
				Provider: name,
				Message:  fmt.Sprintf("%s provider unreachable: %v", name, err),
			})
			return
		}
	}
	report.ProviderHealth[string(name)] = StatusHealthy

	mounts, err := ci.CAMounts(ctx)
	if err != nil {
		logger.Error("Failed to list CA mounts", zap.String("provider", string(name)), zap.Error(err))
		report.ProviderHealth[string(name)] = StatusError
		report.Alerts = append(report.Alerts, Alert{
			Severity: SeverityCritical,
			Provider: name,
			Message:  fmt.Sprintf("%s: failed to list CA mounts: %v", name, err),
		})
		return
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Mount < mounts[j].Mount })

	for _, mt := range mounts {
		st := CAStatus{Provider: name, Mount: mt.Mount, CommonName: mt.CommonName, SerialNumber: mt.SerialNumber}
		report.Statistics.CACertificates++
		if mt.Error != "" {
			st.Status, st.Error = StatusError, mt.Error
			report.Statistics.Errors++
			report.CACertificates = append(report.CACertificates, st)
			continue
		}
		notAfter := mt.NotAfter.UTC()
		st.NotAfter = &notAfter
		st.DaysUntilExpiry = model.DaysBetween(now, notAfter)
		st.Status = m.classify(st.DaysUntilExpiry)
		metrics.CADaysUntilExpiry.WithLabelValues(string(name), mt.Mount).Set(float64(st.DaysUntilExpiry))

		days := st.DaysUntilExpiry
		switch st.Status {
		case StatusCritical:
			report.Statistics.Critical++
			report.Alerts = append(report.Alerts, Alert{
				Severity:        SeverityCritical,
				Provider:        name,
				Mount:           mt.Mount,
				Message:         fmt.Sprintf("CA certificate %s on %s/%s expires in %d days", mt.CommonName, name, mt.Mount, days),
				DaysUntilExpiry: &days,
			})
		case StatusWarning:
			report.Statistics.Warning++
			report.Alerts = append(report.Alerts, Alert{
				Severity:        SeverityWarning,
				Provider:        name,
				Mount:           mt.Mount,
				Message:         fmt.Sprintf("CA certificate %s on %s/%s expires in %d days", mt.CommonName, name, mt.Mount, days),
				DaysUntilExpiry: &days,
			})
		default:
			report.Statistics.Healthy++
		}
		report.CACertificates = append(report.CACertificates, st)
	}
}

// sweepLeaves marks past-expiry leaves expired and lists the ones inside the warning window.
func (m *Monitor) sweepLeaves(ctx context.Context, now time.Time, report *Report) {
	// A leaf is in the window while its whole-day count is at most WarningDays.
	horizon := now.Add(time.Duration(m.opts.WarningDays+1) * 24 * time.Hour)
	certs, err := m.store.ListExpiring(ctx, horizon, 0)
	if err != nil {
		logger.Error("Failed to list expiring certificates", zap.Error(err))
		report.Alerts = append(report.Alerts, Alert{Severity: SeverityWarning, Message: fmt.Sprintf("leaf sweep failed: %v", err)})
		return
	}
	for _, c := range certs {
		if c.ExpiresAt == nil {
			continue
		}
		if !c.ExpiresAt.After(now) {
			_, err := m.store.UpdateCertificateStatus(ctx, storage.StatusUpdate{
				Lookup:        storage.Lookup{CertificateID: c.CertificateID},
				Status:        model.StatusExpired,
				PerformedBy:   sweepPerformedBy,
				OperationData: map[string]any{"expires_at": c.ExpiresAt, "source": "expiry-monitor"},
			})
			if err != nil {
				logger.Error("Failed to mark certificate expired", zap.String("certificate_id", c.CertificateID), zap.Error(err))
				continue
			}
			if m.opts.Cache != nil {
				m.opts.Cache.Delete(ctx, cache.CertificateKey(c.CertificateID))
			}
			report.Statistics.ExpiredLeaves++
			continue
		}

		days := model.DaysBetween(now, *c.ExpiresAt)
		if days > m.opts.WarningDays {
			continue
		}
		sev := m.leafSeverity(days)
		report.Statistics.ExpiringLeaves++
		report.ExpiringCertificates = append(report.ExpiringCertificates, ExpiringCertificate{
			CertificateID:   c.CertificateID,
			CommonName:      c.CommonName,
			SerialNumber:    c.SerialNumber,
			CAProvider:      c.CAProvider,
			ExpiresAt:       c.ExpiresAt.UTC(),
			DaysUntilExpiry: days,
			Severity:        sev,
		})
		report.Alerts = append(report.Alerts, Alert{
			Severity:        sev,
			Provider:        c.CAProvider,
			CertificateID:   c.CertificateID,
			Message:         fmt.Sprintf("certificate %s (%s) expires in %d days", c.CommonName, c.CertificateID, days),
			DaysUntilExpiry: &days,
		})
	}
}
