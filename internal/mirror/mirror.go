// Package mirror drives a run: for each package it lists the wheels, hands
// them to the downloader and waits before moving to the next package.
package mirror

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/wheel_mirror/internal/downloader"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/telemetry"
	"github.com/italolelis/wheel_mirror/internal/transfer"
)

type Lister interface {
	WheelURLs(ctx context.Context, baseURL, pkg string) ([]string, error)
}

type Dispatcher interface {
	DownloadPackage(ctx context.Context, pkg string, urls []string) []transfer.Result
}

type PackageStatus string

const (
	PackageComplete PackageStatus = "complete"
	PackagePartial  PackageStatus = "partial"
	PackageNoWheels PackageStatus = "no_wheels"
	PackageFailed   PackageStatus = "listing_failed"
	PackageSkipped  PackageStatus = "skipped"
)

type PackageReport struct {
	Name    string
	Status  PackageStatus
	Wheels  int
	Summary downloader.Summary
	Err     error
}

// Report describes one run. It is informational: per-URL and per-package
// failures never make a run fail.
type Report struct {
	BaseURL  string
	Packages []PackageReport
	Totals   downloader.Summary
	Duration time.Duration
}

// Incomplete returns the number of packages that did not end fully mirrored.
func (r Report) Incomplete() int {
	var n int

	for _, p := range r.Packages {
		if p.Status != PackageComplete {
			n++
		}
	}

	return n
}

type Mirror struct {
	lister     Lister
	dispatcher Dispatcher
	tel        *telemetry.Telemetry
}

func New(lister Lister, dispatcher Dispatcher, tel *telemetry.Telemetry) *Mirror {
	return &Mirror{
		lister:     lister,
		dispatcher: dispatcher,
		tel:        tel,
	}
}

// Run mirrors packages one after the other. Once ctx is cancelled the
// remaining packages are reported as skipped.
func (m *Mirror) Run(ctx context.Context, baseURL string, packages []string) Report {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	report := Report{BaseURL: baseURL, Packages: make([]PackageReport, 0, len(packages))}

	logger.Info("starting mirror", "index", baseURL, "packages", len(packages))

	for _, pkg := range packages {
		if ctx.Err() != nil {
			report.Packages = append(report.Packages, PackageReport{Name: pkg, Status: PackageSkipped, Err: ctx.Err()})

			continue
		}

		pr := m.mirrorPackage(ctx, baseURL, pkg)
		m.tel.RecordPackage(ctx, string(pr.Status))

		report.Totals.Add(pr.Summary)
		report.Packages = append(report.Packages, pr)
	}

	report.Duration = time.Since(start)

	logger.Info("mirror finished",
		"downloaded", report.Totals.Downloaded,
		"cached", report.Totals.Cached,
		"failed", report.Totals.Failed,
		"transferred", humanize.Bytes(uint64(report.Totals.Transferred)),
		"incomplete_packages", report.Incomplete(),
		"duration", report.Duration.Round(time.Millisecond),
	)

	return report
}

func (m *Mirror) mirrorPackage(ctx context.Context, baseURL, pkg string) PackageReport {
	logger := logctx.LoggerFromContext(ctx).With("package", pkg)
	logger.Info("processing package")

	pr := PackageReport{Name: pkg}

	urls, err := m.lister.WheelURLs(ctx, baseURL, pkg)
	if err != nil {
		logger.Error("failed to list package, skipping", "err", err)
		m.tel.RecordSystemError(ctx, "index", "listing")

		pr.Status = PackageFailed
		pr.Err = err

		return pr
	}

	if len(urls) == 0 {
		logger.Warn("no wheel files found for package")

		pr.Status = PackageNoWheels

		return pr
	}

	results := m.dispatcher.DownloadPackage(ctx, pkg, urls)

	pr.Wheels = len(results)
	pr.Summary = downloader.Summarize(results)
	pr.Status = PackageComplete

	if pr.Summary.Failed > 0 {
		pr.Status = PackagePartial
	}

	for _, r := range results {
		if r.Failed() {
			logger.Warn("wheel not mirrored", "url", r.URL, "err", r.Err)
		}
	}

	return pr
}
