package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

var (
	ErrUploadFailed  = errors.New("recording upload failed")
	ErrNotConfigured = errors.New("upload endpoint not configured")
)

// Config for the exporter
type Config struct {
	Endpoint        string
	Token           string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
}

// Target is the upload location handed out by the endpoint
type Target struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type targetRequest struct {
	SessionID   string `json:"sessionId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// StatusError is a non-2xx response
type StatusError struct {
	Step string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Step, e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Exporter pushes finished recordings to an upload endpoint: it asks the
// endpoint where to put the file, then streams it there.
type Exporter struct {
	cfg    Config
	client *http.Client
}

// NewExporter creates an exporter
func NewExporter(cfg Config) *Exporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	return &Exporter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Enabled reports whether an endpoint is configured
func (e *Exporter) Enabled() bool {
	return e != nil && e.cfg.Endpoint != ""
}

// Export uploads the file at path on behalf of sessionID, retrying
// transient failures
func (e *Exporter) Export(ctx context.Context, sessionID, path string) error {
	if !e.Enabled() {
		return ErrNotConfigured
	}
	logger := log.WithSession(sessionID).WithField("component", "upload")

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	req := targetRequest{
		SessionID:   sessionID,
		Filename:    filepath.Base(path),
		ContentType: ContentType(path),
		Size:        info.Size(),
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.InitialInterval
	eb.MaxElapsedTime = 0
	var policy backoff.BackOff = backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.cfg.MaxRetries)), ctx)

	attempt := func() error {
		target, err := e.requestTarget(ctx, req)
		if err != nil {
			return classify(err)
		}
		return classify(e.put(ctx, target, path, req))
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("Upload attempt failed, retrying in %s: %v", wait, err)
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	logger.Infof("Uploaded %s (%d bytes)", req.Filename, req.Size)
	return nil
}

func (e *Exporter) requestTarget(ctx context.Context, body targetRequest) (*Target, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if e.cfg.Token != "" {
		request.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	response, err := e.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if err := checkStatus("request upload target", response); err != nil {
		return nil, err
	}

	var target Target
	if err := json.NewDecoder(response.Body).Decode(&target); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode upload target: %w", err))
	}
	if target.URL == "" {
		return nil, backoff.Permanent(errors.New("upload target has no url"))
	}
	if target.Method == "" {
		target.Method = http.MethodPut
	}
	return &target, nil
}

func (e *Exporter) put(ctx context.Context, target *Target, path string, req targetRequest) error {
	f, err := os.Open(path)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer f.Close()

	request, err := http.NewRequestWithContext(ctx, strings.ToUpper(target.Method), target.URL, f)
	if err != nil {
		return backoff.Permanent(err)
	}
	request.ContentLength = req.Size
	request.Header.Set("Content-Type", req.ContentType)
	for k, v := range target.Headers {
		request.Header.Set(k, v)
	}

	response, err := e.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	return checkStatus("upload file", response)
}

func checkStatus(step string, response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return &StatusError{Step: step, Code: response.StatusCode, Body: strings.TrimSpace(string(body))}
}

// classify marks errors that retrying cannot fix as permanent
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return backoff.Permanent(err)
	}
	return err
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4a":  "audio/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// ContentType guesses the MIME type of a recording from its extension
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
