package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Article lifecycle statuses. Discovery only ever creates pending rows;
// the fetch pipeline owns every later transition.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusFetched = "fetched"
	StatusFailed  = "failed"
)

// Repair task statuses.
const (
	RepairQueued  = "queued"
	RepairRunning = "running"
	RepairDone    = "done"
	RepairError   = "error"
)

// OrderPolicy selects how ClaimPendingArticles orders candidates.
type OrderPolicy int

const (
	// OrderByDiscovered claims oldest-discovered rows first.
	OrderByDiscovered OrderPolicy = iota
	// OrderByURLDate prefers URLs whose /YYYY/MM/ path segment is oldest,
	// so history backfill makes monotonic progress. published_at is usually
	// NULL on pending rows, which is why the URL carries the signal.
	OrderByURLDate
)

type Feed struct {
	FeedURL             string
	Kind                string
	LastCheckedAt       string
	LastSeenPublishedAt string
}

// SeedState joins a registered seed with its crawl cursor.
type Seed struct {
	SeedURL   string
	FeedURL   string
	ChannelID int
	Kind      string
	Enabled   bool
	Note      string
}

type SeedState struct {
	Seed
	NextPage      int
	NoNewPages    int
	Done          bool
	LastCrawledAt string
	LastError     string
}

type Article struct {
	URL           string
	Source        string
	Title         string
	PublishedAt   string // RFC3339, "" when unknown
	FeedURL       string
	FetchStatus   string
	FetchMethod   string
	FetchError    string
	ContentSHA256 string
	WordCount     int
	DiscoveredAt  time.Time
	FetchedAt     time.Time
	ClaimedAt     time.Time
}

// Discovered is one candidate article sighting from RSS or a listing page.
// Empty optional fields are stored as NULL and never overwrite present values.
type Discovered struct {
	URL         string
	Source      string
	Title       string
	PublishedAt string
	FeedURL     string
}

type Candle struct {
	Ticker string
	TF     string
	TS     int64 // unix ms
	O      float64
	H      float64
	L      float64
	C      float64
	V      *float64
	Source string
}

type RepairTask struct {
	ID            string
	Ticker        string
	TF            string
	WindowStartTS int64
	WindowEndTS   int64
	Status        string
	Attempts      int
	ExpectedBars  int
	Reason        string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RepairAudit struct {
	ID            string
	TaskID        string
	Ticker        string
	TF            string
	WindowStartTS int64
	WindowEndTS   int64
	ExpectedBars  int
	FetchedBars   int
	MissingBars   int
	CreatedAt     time.Time
}

// StatusSummary aggregates archive progress for the status command and API.
type StatusSummary struct {
	Articles struct {
		Total             int    `json:"total"`
		Pending           int    `json:"pending"`
		Running           int    `json:"running"`
		Fetched           int    `json:"fetched"`
		Failed            int    `json:"failed"`
		OldestPublishedAt string `json:"oldest_published_at,omitempty"`
		NewestPublishedAt string `json:"newest_published_at,omitempty"`
	} `json:"articles"`
	Consistency struct {
		PendingWithContent    int `json:"pending_with_content"`
		FetchedMissingContent int `json:"fetched_missing_content"`
		FailedWithoutError    int `json:"failed_without_error"`
	} `json:"consistency"`
	Fetch struct {
		HTTPUsed   int `json:"http_used"`
		RenderUsed int `json:"render_used"`
		Failed     int `json:"failed"`
	} `json:"fetch"`
	Backfill struct {
		SeedsEnabled int  `json:"seeds_enabled"`
		SeedsDone    int  `json:"seeds_done"`
		Done         bool `json:"done"`
	} `json:"backfill"`
	Repairs struct {
		Queued  int `json:"queued"`
		Running int `json:"running"`
		Done    int `json:"done"`
		Error   int `json:"error"`
	} `json:"repairs"`
}
