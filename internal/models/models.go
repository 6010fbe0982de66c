package models

// Event types emitted by the tracker.
const (
	EventClick              = "click"
	EventInput              = "input"
	EventPageView           = "page_view"
	EventPageExit           = "page_exit"
	EventSessionEnd         = "session_end"
	EventError              = "error"
	EventUnhandledRejection = "unhandled_rejection"
	EventConsoleError       = "console_error"
)

// Event is a single normalized activity record.
type Event struct {
	Type         string         `json:"type"`         // click|input|page_view|page_exit|session_end|error|...
	Data         map[string]any `json:"data"`         // arbitrary JSON
	Page         string         `json:"page"`         // path at time of recording
	Timestamp    int64          `json:"timestamp"`    // unix ms
	RelativeTime int64          `json:"relativeTime"` // ms since session start
}

// PageRecord aggregates the metrics of one path within a session.
type PageRecord struct {
	Page             string  `json:"page"`
	Duration         int64   `json:"duration"` // ms, finalized on exit
	TotalClicks      int     `json:"totalClicks"`
	PercentageScroll int     `json:"percentageScroll"`
	Events           []Event `json:"events"`
}

// TrackedError is an error signature folded across repeat occurrences.
type TrackedError struct {
	Message      string `json:"message"`
	Source       string `json:"source,omitempty"`
	Lineno       int    `json:"lineno,omitempty"`
	Colno        int    `json:"colno,omitempty"`
	Stack        string `json:"stack,omitempty"`
	Timestamp    int64  `json:"timestamp"` // first seen, unix ms
	Page         string `json:"page"`
	Count        int    `json:"count"`
	Hash         string `json:"hash"`
	LastOccurred int64  `json:"lastOccurred"`
}

type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// UserInfo is the environment snapshot taken when the session starts.
// Fingerprint and IsBot are filled in asynchronously and may stay nil.
type UserInfo struct {
	Browser     string  `json:"browser"`
	Platform    string  `json:"platform"`
	Language    string  `json:"language"`
	DeviceType  string  `json:"deviceType"` // mobile|desktop
	Screen      Screen  `json:"screen"`
	Timezone    string  `json:"timezone"`
	Fingerprint *string `json:"fingerprint"`
	IsBot       *bool   `json:"isBot"`
}

// Session is a read-only view of a session's state.
type Session struct {
	SessionID         string         `json:"sessionId"`
	LeadID            string         `json:"leadId"`
	CreatedAt         string         `json:"createdAt"`
	EntryURL          string         `json:"entryUrl"`
	ExitURL           string         `json:"exitUrl"`
	UserInfo          UserInfo       `json:"userInfo"`
	Pages             []PageRecord   `json:"pages"`
	SystemEvents      []Event        `json:"systemEvents"`
	Errors            []TrackedError `json:"errors"`
	TotalClicks       int            `json:"total_clicks"`
	TotalInputs       int            `json:"total_inputs"`
	TotalPagesVisited int            `json:"total_pages_visited"`
}

// Payload is the JSON body delivered to the ingestion endpoint at session end.
type Payload struct {
	Errors            []TrackedError `json:"errors"`
	UserID            *string        `json:"user_id"`
	BusinessID        string         `json:"business_id"`
	UserInfo          UserInfo       `json:"user_info"`
	Fingerprint       *string        `json:"fingerprint"`
	TrackerEvents     []Event        `json:"tracker_events"`
	SessionRecord     []any          `json:"session_record"` // opaque replay events
	DurationMS        int64          `json:"duration_ms"`
	EntryPage         string         `json:"entry_page"`
	ExitPage          string         `json:"exit_page"`
	TotalClicks       int            `json:"total_clicks"`
	TotalInputs       int            `json:"total_inputs"`
	TotalPagesVisited int            `json:"total_pages_visited"`
}
