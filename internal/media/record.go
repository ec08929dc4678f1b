// Package media defines the normalized record served for a catalogue title.
package media

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the scraped result for one catalogue path.
//
// Optional fields are pointers so that they serialize as JSON null when the
// upstream page did not carry them.
type Record struct {
	FetchedAt     time.Time // when the upstream fetch completed, UTC
	PolishTitle   *string
	EnglishTitle  *string
	Year          *string
	Genres        []string
	FilmwebURL    *string
	IMDBURL       *string
	Subscriptions []string // provider IDs, unique
	Rents         []string // provider IDs, unique
}

// wireRecord is the JSON shape of Record.
type wireRecord struct {
	FetchedAt     string   `json:"fetched_at"`
	PolishTitle   *string  `json:"polish_title"`
	EnglishTitle  *string  `json:"english_title"`
	Year          *string  `json:"year"`
	Genres        []string `json:"genres"`
	FilmwebURL    *string  `json:"filmweb_url"`
	IMDBURL       *string  `json:"imdb_url"`
	Subscriptions []string `json:"subscriptions"`
	Rents         []string `json:"rents"`
}

// MarshalJSON encodes the record with an ISO-8601 fetched_at and non-null arrays.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		FetchedAt:     r.FetchedAt.UTC().Format(time.RFC3339),
		PolishTitle:   r.PolishTitle,
		EnglishTitle:  r.EnglishTitle,
		Year:          r.Year,
		Genres:        nonNil(r.Genres),
		FilmwebURL:    r.FilmwebURL,
		IMDBURL:       r.IMDBURL,
		Subscriptions: nonNil(r.Subscriptions),
		Rents:         nonNil(r.Rents),
	})
}

// UnmarshalJSON decodes a record produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	fetchedAt, err := time.Parse(time.RFC3339, w.FetchedAt)
	if err != nil {
		return fmt.Errorf("fetched_at: %w", err)
	}
	*r = Record{
		FetchedAt:     fetchedAt.UTC(),
		PolishTitle:   w.PolishTitle,
		EnglishTitle:  w.EnglishTitle,
		Year:          w.Year,
		Genres:        nonNil(w.Genres),
		FilmwebURL:    w.FilmwebURL,
		IMDBURL:       w.IMDBURL,
		Subscriptions: nonNil(w.Subscriptions),
		Rents:         nonNil(w.Rents),
	}
	return nil
}

// Precision is the resolution at which FetchedAt is stored and served.
const Precision = time.Second

// Normalized returns a copy of the record with FetchedAt in UTC at Precision.
// Stores normalize on write so every tier agrees on the expiry boundary.
func (r *Record) Normalized() *Record {
	cp := *r
	cp.FetchedAt = r.FetchedAt.UTC().Truncate(Precision)
	return &cp
}

// ValidAt reports whether the record is still fresh at now for the given TTL.
// The window is half-open: a record is stale at exactly FetchedAt+ttl.
func (r *Record) ValidAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.FetchedAt) < ttl
}

// HasEnglishTitle reports whether the english title is present and equal to title.
func (r *Record) HasEnglishTitle(title string) bool {
	return r.EnglishTitle != nil && *r.EnglishTitle == title
}

// String returns a pointer to s. Useful for populating optional fields.
func String(s string) *string {
	return &s
}

// Unique returns ids with duplicates removed, keeping first-seen order.
func Unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
