package ledger

import (
	"errors"
	"time"
)

var ErrInvalidObservation = errors.New("invalid observation")

// Observation is one sighting of an item as reported by a source.
// HighWater and Delivered are derived by the ledger and never supplied here.
type Observation struct {
	ID         string
	URL        string
	Source     string
	Restricted bool
	Score      int
	Ratio      float64
	Title      string
	Permalink  string
	Author     string
	CreatedAt  time.Time
	ObservedAt time.Time
}

// Item is the durable record kept for every distinct item id.
type Item struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Source        string    `json:"source"`
	Restricted    bool      `json:"restricted"`
	Score         int       `json:"score"`
	HighWater     int       `json:"high_water_score"`
	Ratio         float64   `json:"score_ratio"`
	Title         string    `json:"title"`
	Permalink     string    `json:"permalink"`
	Author        string    `json:"author,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Delivered     bool      `json:"delivered"`
}

// Report describes what Upsert did with a single observation.
type Report struct {
	ID      string
	URL     string
	Source  string
	Created bool

	// Eligible is true when the item is not restricted, not delivered under
	// its own id and its url was never delivered under any sibling id.
	Eligible bool

	Err error
}
