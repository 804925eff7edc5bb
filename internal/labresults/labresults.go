package labresults

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const driveDownloadURL = "https://drive.google.com/uc?export=download&id="

// Row is one accepted lab measurement.
type Row struct {
	LabCode  string
	RbioCode string
	Type     string
	Score    string
}

// Result partitions restriction codes by sensitivity. Codes have their "G" markers removed and match
// foods.lab_code.
type Result struct {
	High []string
	Low  []string
	Rows []Row
}

// Source downloads and parses a lab result file.
type Source interface {
	Fetch(ctx context.Context, reference string) (*Result, error)
}

// HTTPSource fetches the ';'-separated lab export over HTTP. A reference is either a full URL or a
// Google Drive file id.
type HTTPSource struct {
	client *http.Client
	logger *zap.Logger
}

var _ Source = (*HTTPSource)(nil)

func NewHTTPSource(timeout time.Duration, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func ResolveURL(reference string) (string, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", errors.New("empty lab result reference")
	}
	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		if _, err := url.Parse(reference); err != nil {
			return "", fmt.Errorf("invalid lab result url: %w", err)
		}
		return reference, nil
	}
	return driveDownloadURL + url.QueryEscape(reference), nil
}

func (s *HTTPSource) Fetch(ctx context.Context, reference string) (*Result, error) {
	target, err := ResolveURL(reference)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lab result request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download lab result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lab result download returned status %d", resp.StatusCode)
	}

	result, err := Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("lab result parsed",
		zap.Int("high", len(result.High)),
		zap.Int("low", len(result.Low)))
	return result, nil
}

// Parse keeps rows with exactly eight fields whose rbio code ends in "G". A score starting with "1" is
// low sensitivity, "2" is high sensitivity; everything else is dropped.
func Parse(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	result := &Result{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse lab result: %w", err)
		}
		if len(row) != 8 {
			continue
		}

		rbio := strings.TrimSpace(row[1])
		score := strings.TrimSpace(row[4])
		if !strings.HasSuffix(rbio, "G") || score == "" {
			continue
		}

		code := strings.ReplaceAll(rbio, "G", "")
		switch score[0] {
		case '1':
			result.Low = append(result.Low, code)
		case '2':
			result.High = append(result.High, code)
		default:
			continue
		}
		result.Rows = append(result.Rows, Row{
			LabCode:  strings.TrimSpace(row[0]),
			RbioCode: rbio,
			Type:     strings.TrimSpace(row[2]),
			Score:    score,
		})
	}
	return result, nil
}
