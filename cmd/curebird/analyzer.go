package main

import (
	"context"
	"io"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/portfolio"
)

// meteredAnalyzer counts analysis calls by outcome.
type meteredAnalyzer struct {
	next    portfolio.Analyzer
	metrics *metrics.Metrics
}

func (a meteredAnalyzer) AnalyzeReport(ctx context.Context, fileName string, content io.Reader) (analysis.Result, error) {
	res, err := a.next.AnalyzeReport(ctx, fileName, content)
	a.metrics.ObserveAnalysis("analyze-report", err)
	return res, err
}

func (a meteredAnalyzer) DiseaseTrends(ctx context.Context) ([]analysis.Trend, error) {
	trends, err := a.next.DiseaseTrends(ctx)
	a.metrics.ObserveAnalysis("disease-trends", err)
	return trends, err
}
