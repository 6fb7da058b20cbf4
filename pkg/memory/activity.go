package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

const (
	activityPath = "/api/activity-log"

	// summaryLimit truncates input/output summaries before posting
	summaryLimit = 500
)

// ActivityLogger posts task execution records to the long-term activity
// log collaborator. Posting is best-effort: failures are logged and
// swallowed so task execution never blocks on the collaborator.
type ActivityLogger struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewActivityLogger creates an activity log client. An empty baseURL
// disables posting.
func NewActivityLogger(baseURL string, timeout time.Duration) *ActivityLogger {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ActivityLogger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logging.GetLogger().WithComponent("activity"),
	}
}

// Record posts one activity record. Never returns an error.
func (a *ActivityLogger) Record(ctx context.Context, rec *types.ActivityRecord) {
	if a == nil || a.baseURL == "" {
		return
	}

	rec.InputSummary = truncate(rec.InputSummary, summaryLimit)
	rec.OutputSummary = truncate(rec.OutputSummary, summaryLimit)

	body, err := json.Marshal(rec)
	if err != nil {
		a.logger.Warn("failed to encode activity record: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+activityPath, bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("failed to build activity request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("activity log unavailable: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Debug("activity log rejected record: %s", resp.Status)
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
