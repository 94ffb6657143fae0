package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cube/pkg/domain"
)

// DirectoryClient calls the student directory over HTTP.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectoryClient constructs a directory client. A nil httpClient gets a
// 5 second timeout.
func NewDirectoryClient(baseURL string, httpClient *http.Client) *DirectoryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &DirectoryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type directoryRecord struct {
	StudentNumber string `json:"studentNumber"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email"`
}

// Lookup fetches a student record. A 404 reports found=false.
func (c *DirectoryClient) Lookup(ctx context.Context, studentID string) (domain.User, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/students/"+url.PathEscape(studentID), nil)
	if err != nil {
		return domain.User{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.User{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.User{}, false, nil
	}
	if resp.StatusCode >= 400 {
		return domain.User{}, false, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var rec directoryRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rec); err != nil {
		return domain.User{}, false, fmt.Errorf("decode directory record: %w", err)
	}
	if rec.StudentNumber != "" && rec.StudentNumber != studentID {
		return domain.User{}, false, fmt.Errorf("directory returned student %s for %s", rec.StudentNumber, studentID)
	}
	return domain.User{
		ID:        studentID,
		FirstName: strings.TrimSpace(rec.FirstName),
		LastName:  strings.TrimSpace(rec.LastName),
		Email:     strings.TrimSpace(rec.Email),
	}, true, nil
}

// APIError represents a directory error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
