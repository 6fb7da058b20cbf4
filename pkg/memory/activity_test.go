package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

func TestActivityRecordTruncatesSummaries(t *testing.T) {
	var received types.ActivityRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != activityPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode record: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	logger := NewActivityLogger(srv.URL, time.Second)
	logger.Record(context.Background(), &types.ActivityRecord{
		AgentID:      "agent-1",
		ActionType:   "analyze",
		InputSummary: strings.Repeat("x", 800),
		Success:      true,
		DurationMS:   42,
	})

	if len(received.InputSummary) != summaryLimit {
		t.Errorf("expected input summary truncated to %d, got %d", summaryLimit, len(received.InputSummary))
	}
	if received.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", received.AgentID)
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"under limit", "hello", 10, "hello"},
		{"exact limit", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"rune straddles limit", "aaaaé", 5, "aaaa"},
		{"multibyte run", strings.Repeat("世", 4), 7, strings.Repeat("世", 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.limit)
			}
		})
	}
}

func TestActivityRecordSwallowsFailures(t *testing.T) {
	// Point at a server that immediately refuses connections
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	logger := NewActivityLogger(srv.URL, 100*time.Millisecond)

	// Must not panic or block
	logger.Record(context.Background(), &types.ActivityRecord{AgentID: "agent-1"})
}

func TestActivityRecordDisabled(t *testing.T) {
	logger := NewActivityLogger("", time.Second)
	logger.Record(context.Background(), &types.ActivityRecord{AgentID: "agent-1"})

	var nilLogger *ActivityLogger
	nilLogger.Record(context.Background(), &types.ActivityRecord{AgentID: "agent-1"})
}
