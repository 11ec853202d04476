package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/session"
)

// Payload is fired once per completed session, consumed by the
// post-processing pipeline.
type Payload struct {
	DeliveryID   string             `json:"delivery_id"`
	SessionID    string             `json:"session_id"`
	MeetingID    string             `json:"meeting_id"`
	SegmentCount int                `json:"segment_count"`
	HadGaps      bool               `json:"had_gaps"`
	GapRanges    []session.GapRange `json:"gap_ranges,omitempty"`
	CompletedAt  time.Time          `json:"completed_at"`
}

// Sender delivers session-completed notifications.
type Sender interface {
	SendCompleted(ctx context.Context, payload Payload) error
}

// HTTPSender posts the payload as JSON to a configured endpoint.
type HTTPSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSender(url string, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(slog.String("component", "webhook")),
	}
}

func (s *HTTPSender) SendCompleted(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery failed: http %d", resp.StatusCode)
	}

	s.logger.Info("session completed webhook delivered",
		slog.String("delivery_id", payload.DeliveryID),
		slog.String("session_id", payload.SessionID),
		slog.Int("segment_count", payload.SegmentCount),
		slog.Bool("had_gaps", payload.HadGaps),
	)
	return nil
}

// LogSender only logs completions. Used when no webhook URL is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "webhook"))}
}

func (s *LogSender) SendCompleted(_ context.Context, payload Payload) error {
	s.logger.Info("session completed",
		slog.String("session_id", payload.SessionID),
		slog.String("meeting_id", payload.MeetingID),
		slog.Int("segment_count", payload.SegmentCount),
		slog.Bool("had_gaps", payload.HadGaps),
	)
	return nil
}
