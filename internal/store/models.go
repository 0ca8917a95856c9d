package store

import (
	"strings"
	"time"
)

// Range states. RangePending is declared for forward compatibility; the
// allocation path creates ranges directly in RangeAssigned.
const (
	RangePending   = "pending"
	RangeAssigned  = "assigned"
	RangeCompleted = "completed"
)

// Client states
const (
	ClientIdle      = "idle"
	ClientScanning  = "scanning"
	ClientCompleted = "completed"
)

// Worker application types
const (
	AppUnknown      = "unknown"
	AppBitcrack     = "bitcrack"
	AppVanitySearch = "vanitysearch"
	AppCustom       = "custom"
)

// ParseApplicationType maps a free-form agent type to a known value.
// "cpu" agents run VanitySearch.
func ParseApplicationType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bitcrack":
		return AppBitcrack
	case "vanitysearch", "cpu":
		return AppVanitySearch
	case "custom":
		return AppCustom
	default:
		return AppUnknown
	}
}

// Puzzle is one addressable keyspace.
type Puzzle struct {
	ID                  string    `json:"id"`
	Code                string    `json:"code"`
	DisplayName         string    `json:"display_name"`
	Enabled             bool      `json:"enabled"`
	Randomized          bool      `json:"randomized"`
	Weight              float64   `json:"weight"`
	TargetAddress       string    `json:"target_address"`
	MinPrefixHex        string    `json:"min_prefix_hex"`
	MaxPrefixHex        string    `json:"max_prefix_hex"`
	PrefixLength        int       `json:"prefix_length"`
	ChunkSize           int64     `json:"chunk_size"`
	WorkloadStartSuffix string    `json:"workload_start_suffix"`
	WorkloadEndSuffix   string    `json:"workload_end_suffix"`
	Notes               *string   `json:"notes,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// EffectivePrefixLength falls back to the width of MinPrefixHex when no
// explicit prefix length was stored.
func (p *Puzzle) EffectivePrefixLength() int {
	if p.PrefixLength > 0 {
		return p.PrefixLength
	}
	return len(p.MinPrefixHex)
}

// PoolCursor is the next unallocated prefix of a sequential puzzle.
type PoolCursor struct {
	PuzzleID      string    `json:"puzzle_id"`
	NextPrefixHex string    `json:"next_prefix_hex"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Range is one chunk of a puzzle's keyspace handed to a client.
type Range struct {
	ID                 string     `json:"id"`
	PuzzleID           string     `json:"puzzle_id"`
	Puzzle             string     `json:"puzzle"`
	PrefixStart        string     `json:"prefix_start"`
	PrefixEnd          string     `json:"prefix_end"`
	RangeStartHex      string     `json:"range_start_hex"`
	RangeEndHex        string     `json:"range_end_hex"`
	ChunkSize          int64      `json:"chunk_size"`
	Status             string     `json:"status"`
	AssignedToClientID *string    `json:"assigned_to_client_id,omitempty"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	LastUpdateAt       *time.Time `json:"last_update_at,omitempty"`
	ProgressPercent    float64    `json:"progress_percent"`
	ReportedSpeed      float64    `json:"reported_speed"`
}

// OwnedBy reports whether the range is bound to clientID.
func (r *Range) OwnedBy(clientID string) bool {
	return r.AssignedToClientID != nil && *r.AssignedToClientID == clientID
}

// Client is one registered worker agent.
type Client struct {
	ID                 string    `json:"id"`
	User               string    `json:"user"`
	WorkerName         *string   `json:"worker_name,omitempty"`
	Puzzle             string    `json:"puzzle"`
	ApplicationType    string    `json:"application_type"`
	CardsConnected     int       `json:"cards_connected"`
	GPUInfo            *string   `json:"gpu_info,omitempty"`
	ClientVersion      *string   `json:"client_version,omitempty"`
	APIKey             string    `json:"-"`
	Status             string    `json:"status"`
	SpeedKeysPerSecond float64   `json:"speed_keys_per_second"`
	RegisteredAt       time.Time `json:"registered_at"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	CurrentRangeID     *string   `json:"current_range_id,omitempty"`
}

// DisplayName is the worker name, or the user when the worker is unnamed.
func (c *Client) DisplayName() string {
	if c.WorkerName != nil && *c.WorkerName != "" {
		return *c.WorkerName
	}
	return c.User
}

// KeyFindEvent is a write-once discovery record.
type KeyFindEvent struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	RangeID    *string   `json:"range_id,omitempty"`
	Puzzle     string    `json:"puzzle"`
	WorkerName string    `json:"worker_name"`
	User       string    `json:"user"`
	PrivateKey string    `json:"private_key"`
	ReportedAt time.Time `json:"reported_at"`
}
