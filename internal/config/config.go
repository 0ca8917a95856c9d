// Package config loads the coordinator's pool options from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/keypool/internal/keyspace"
	"github.com/user/keypool/internal/store"
)

// PoolOptions is the root configuration.
type PoolOptions struct {
	Puzzle              string        `yaml:"puzzle"`
	RangeStartHex       string        `yaml:"range_start_hex"`
	RangeEndHex         string        `yaml:"range_end_hex"`
	RangeChunkSize      int64         `yaml:"range_chunk_size"`
	WorkloadStartSuffix string        `yaml:"workload_start_suffix"`
	WorkloadEndSuffix   string        `yaml:"workload_end_suffix"`
	WorkerOfflineAfter  time.Duration `yaml:"worker_offline_after"` // e.g. "2m"

	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	WebhookURL       string `yaml:"webhook_url"`
	WebhookSecret    string `yaml:"webhook_secret"`
	AdminAPIKey      string `yaml:"admin_api_key"`

	MaxAllocationAttempts int           `yaml:"max_allocation_attempts"`
	ActiveRangesLimit     int           `yaml:"active_ranges_limit"`
	OverviewCacheTTL      time.Duration `yaml:"overview_cache_ttl"`

	SeedPuzzles []SeedPuzzle `yaml:"seed_puzzles"`
}

// SeedPuzzle describes a puzzle inserted on first start. Blank fields fall
// back to the global range values.
type SeedPuzzle struct {
	Code                string  `yaml:"code"`
	DisplayName         string  `yaml:"display_name"`
	TargetAddress       string  `yaml:"target_address"`
	MinPrefixHex        string  `yaml:"min_prefix_hex"`
	MaxPrefixHex        string  `yaml:"max_prefix_hex"`
	PrefixLength        int     `yaml:"prefix_length"`
	ChunkSize           int64   `yaml:"chunk_size"`
	WorkloadStartSuffix string  `yaml:"workload_start_suffix"`
	WorkloadEndSuffix   string  `yaml:"workload_end_suffix"`
	Enabled             *bool   `yaml:"enabled"`    // default true
	Randomized          *bool   `yaml:"randomized"` // default true
	Weight              float64 `yaml:"weight"`
	Notes               *string `yaml:"notes"`
}

// Default returns the options a fresh deployment starts with.
func Default() PoolOptions {
	return PoolOptions{
		Puzzle:                "71",
		RangeStartHex:         "8000000",
		RangeEndHex:           "8000FFF",
		RangeChunkSize:        4,
		WorkloadStartSuffix:   "000000000",
		WorkloadEndSuffix:     "FFFFFFFFF",
		WorkerOfflineAfter:    2 * time.Minute,
		MaxAllocationAttempts: 200,
		ActiveRangesLimit:     25,
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (PoolOptions, error) {
	opts := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return PoolOptions{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return PoolOptions{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	opts.ApplyEnv(os.Getenv)
	if err := opts.Validate(); err != nil {
		return PoolOptions{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return opts, nil
}

// ApplyEnv overrides secrets and endpoints from KEYPOOL_* variables.
func (o *PoolOptions) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&o.AdminAPIKey, "KEYPOOL_ADMIN_API_KEY")
	set(&o.TelegramBotToken, "KEYPOOL_TELEGRAM_BOT_TOKEN")
	set(&o.TelegramChatID, "KEYPOOL_TELEGRAM_CHAT_ID")
	set(&o.WebhookURL, "KEYPOOL_WEBHOOK_URL")
	set(&o.WebhookSecret, "KEYPOOL_WEBHOOK_SECRET")
}

// Validate checks the global range and every seed.
func (o *PoolOptions) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Puzzle) == "" {
		errs = append(errs, errors.New("puzzle must not be empty"))
	}
	if err := checkBounds("range", o.RangeStartHex, o.RangeEndHex); err != nil {
		errs = append(errs, err)
	}
	if !keyspace.IsHex(o.WorkloadStartSuffix) || !keyspace.IsHex(o.WorkloadEndSuffix) {
		errs = append(errs, errors.New("workload suffixes must be hex"))
	}
	if o.WorkerOfflineAfter < 0 {
		errs = append(errs, errors.New("worker_offline_after must not be negative"))
	}
	for i, seed := range o.SeedPuzzles {
		name := fmt.Sprintf("seed_puzzles[%d]", i)
		lo := firstNonBlank(seed.MinPrefixHex, o.RangeStartHex)
		hi := firstNonBlank(seed.MaxPrefixHex, o.RangeEndHex)
		if err := checkBounds(name, lo, hi); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, _, _, err := prefixBounds(lo, hi, seed.PrefixLength); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func checkBounds(name, minHex, maxHex string) error {
	min, err := keyspace.ParseHex(keyspace.NormalizeHex(minHex))
	if err != nil {
		return fmt.Errorf("%s start: %w", name, err)
	}
	max, err := keyspace.ParseHex(keyspace.NormalizeHex(maxHex))
	if err != nil {
		return fmt.Errorf("%s end: %w", name, err)
	}
	if max.Cmp(min) < 0 {
		return fmt.Errorf("%s end %s is below start %s", name, maxHex, minHex)
	}
	return nil
}

// prefixBounds renders a min/max prefix pair at a common width. A width of
// zero or less picks the longer of the two inputs. A width too narrow for
// the max bound is an error since formatting would truncate it.
func prefixBounds(minHex, maxHex string, width int) (lo, hi string, n int, err error) {
	minHex, maxHex = keyspace.NormalizeHex(minHex), keyspace.NormalizeHex(maxHex)
	minV, err := keyspace.ParseHex(minHex)
	if err != nil {
		return "", "", 0, err
	}
	maxV, err := keyspace.ParseHex(maxHex)
	if err != nil {
		return "", "", 0, err
	}
	if width <= 0 {
		width = max(len(minHex), len(maxHex), 1)
	}
	if width < keyspace.Width(maxV) {
		return "", "", 0, fmt.Errorf("prefix_length %d is shorter than max prefix %s", width, maxHex)
	}
	return keyspace.FormatHex(minV, width), keyspace.FormatHex(maxV, width), width, nil
}

// SeedDefinitions builds the puzzles to insert when the store has none.
// Without explicit seeds a single randomized puzzle covering the global
// range is produced. Bounds are expected to have passed Validate.
func (o *PoolOptions) SeedDefinitions() []store.Puzzle {
	minPrefix, maxPrefix, width, _ := prefixBounds(o.RangeStartHex, o.RangeEndHex, 0)
	defaultChunk := max(1, o.RangeChunkSize)

	if len(o.SeedPuzzles) == 0 {
		notes := "Seeded from pool options"
		return []store.Puzzle{{
			Code:                strings.ToUpper(strings.TrimSpace(o.Puzzle)),
			DisplayName:         "Puzzle " + strings.TrimSpace(o.Puzzle),
			Enabled:             true,
			Randomized:          true,
			Weight:              1,
			MinPrefixHex:        minPrefix,
			MaxPrefixHex:        maxPrefix,
			PrefixLength:        width,
			ChunkSize:           defaultChunk,
			WorkloadStartSuffix: o.WorkloadStartSuffix,
			WorkloadEndSuffix:   o.WorkloadEndSuffix,
			Notes:               &notes,
		}}
	}

	out := make([]store.Puzzle, 0, len(o.SeedPuzzles))
	for _, seed := range o.SeedPuzzles {
		lo, hi, width, _ := prefixBounds(
			firstNonBlank(seed.MinPrefixHex, o.RangeStartHex),
			firstNonBlank(seed.MaxPrefixHex, o.RangeEndHex),
			seed.PrefixLength,
		)
		code := strings.ToUpper(strings.TrimSpace(seed.Code))
		if code == "" {
			code = strings.ToUpper(strings.TrimSpace(o.Puzzle))
		}
		p := store.Puzzle{
			Code:                code,
			DisplayName:         strings.TrimSpace(seed.DisplayName),
			Enabled:             boolOr(seed.Enabled, true),
			Randomized:          boolOr(seed.Randomized, true),
			Weight:              seed.Weight,
			TargetAddress:       strings.TrimSpace(seed.TargetAddress),
			MinPrefixHex:        lo,
			MaxPrefixHex:        hi,
			PrefixLength:        width,
			ChunkSize:           seed.ChunkSize,
			WorkloadStartSuffix: firstNonBlank(seed.WorkloadStartSuffix, o.WorkloadStartSuffix),
			WorkloadEndSuffix:   firstNonBlank(seed.WorkloadEndSuffix, o.WorkloadEndSuffix),
			Notes:               seed.Notes,
		}
		if p.DisplayName == "" {
			p.DisplayName = "Puzzle " + code
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		if p.ChunkSize <= 0 {
			p.ChunkSize = defaultChunk
		}
		out = append(out, p)
	}
	return out
}

func firstNonBlank(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
