// Package analysis is the client for the external document-analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/pkg/circuitbreaker"
)

const (
	analyzePath = "/api/analyze-report"
	trendsPath  = "/api/disease-trends"
)

// ErrNoFile is returned when no file was chosen.
var ErrNoFile = errors.New("Please select a file first.")

// Result is the analysis of one uploaded report.
type Result struct {
	Diseases    []string                 `json:"diseases"`
	Medications []record.MedicationEntry `json:"medications"`
	RawText     string                   `json:"rawText,omitempty"`
}

// Trend is the outbreak count for one disease.
type Trend struct {
	Disease   string `json:"disease"`
	Outbreaks int    `json:"outbreaks"`
}

// ServiceError is a non-2xx answer from the service.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// Client calls the analysis service. Calls fail fast while the breaker is
// open and are never retried.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

// AnalyzeReport uploads a report as multipart field "file".
func (c *Client) AnalyzeReport(ctx context.Context, fileName string, content io.Reader) (Result, error) {
	if fileName == "" || content == nil {
		return Result{}, ErrNoFile
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return Result{}, fmt.Errorf("reading report: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	var out struct {
		RawText  string `json:"raw_text"`
		Analysis struct {
			Diseases    []string                 `json:"diseases"`
			Medications []record.MedicationEntry `json:"medications"`
		} `json:"analysis"`
	}

	err = c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, &body)
		if err != nil {
			return circuitbreaker.Rejected(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.send(req, &out)
	})
	if err != nil {
		c.logger.Warn("report analysis failed", zap.String("file", fileName), zap.Error(err))
		return Result{}, err
	}

	return Result{
		Diseases:    uniqueStrings(out.Analysis.Diseases),
		Medications: out.Analysis.Medications,
		RawText:     out.RawText,
	}, nil
}

// DiseaseTrends fetches outbreak counts, largest first as the service orders them.
func (c *Client) DiseaseTrends(ctx context.Context) ([]Trend, error) {
	var trends []Trend
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+trendsPath, nil)
		if err != nil {
			return circuitbreaker.Rejected(err)
		}
		return c.send(req, &trends)
	})
	if err != nil {
		c.logger.Warn("disease trends fetch failed", zap.Error(err))
		return nil, err
	}
	return trends, nil
}

// send performs req and decodes a 2xx JSON body into out. 4xx answers are the
// caller's problem and do not count against the breaker.
func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		svcErr := &ServiceError{Status: resp.StatusCode, Message: e.Error}
		if resp.StatusCode < 500 {
			return circuitbreaker.Rejected(svcErr)
		}
		return svcErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
