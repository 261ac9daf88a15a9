package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MeetingService calls the external meeting provisioner to obtain a
// joinable room URL for an accepted request. The provisioner is assumed
// idempotent: calling it twice for the same request id is safe, and the
// store's first-writer-wins rule on meeting_url guarantees at-most-once
// persistence regardless.
type MeetingService struct {
	baseURL    string
	attempts   int
	httpClient *http.Client
}

func NewMeetingService(baseURL string, attempts int) *MeetingService {
	if attempts < 1 {
		attempts = 1
	}
	return &MeetingService{
		baseURL:  baseURL,
		attempts: attempts,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Provision requests a meeting URL, retrying transient failures a bounded
// number of times with doubling backoff.
func (s *MeetingService) Provision(ctx context.Context, requestID uuid.UUID) (string, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		url, err := s.provisionOnce(ctx, requestID)
		if err == nil {
			return url, nil
		}
		lastErr = err
	}

	return "", fmt.Errorf("meeting provisioning failed after %d attempts: %w", s.attempts, lastErr)
}

func (s *MeetingService) provisionOnce(ctx context.Context, requestID uuid.UUID) (string, error) {
	payload, err := json.Marshal(map[string]string{"request_id": requestID.String()})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rooms", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("meeting service returned status %d", resp.StatusCode)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode meeting service response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("meeting service returned an empty url")
	}

	return result.URL, nil
}
