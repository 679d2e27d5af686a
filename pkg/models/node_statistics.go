package models

import "time"

// CountBucket is one labelled count in a distribution.
type CountBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ActivityPoint is the number of nodes touched on a given day.
type ActivityPoint struct {
	Day     time.Time `json:"day"`
	Created int       `json:"created"`
	Updated int       `json:"updated"`
}

// NodeStatistics is the aggregate view of the corpus.
// Total excludes deleted nodes; ByStatus still reports the deleted bucket.
type NodeStatistics struct {
	Total          int             `json:"total"`
	ByType         map[string]int  `json:"by_type"`
	ByStatus       map[string]int  `json:"by_status"`
	TopTags        []CountBucket   `json:"top_tags"`
	RecentActivity []ActivityPoint `json:"recent_activity"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// SizeBucket counts nodes whose content length falls in [MinBytes, MaxBytes).
// MaxBytes of 0 means unbounded.
type SizeBucket struct {
	Label    string `json:"label"`
	MinBytes int    `json:"min_bytes"`
	MaxBytes int    `json:"max_bytes"`
	Count    int    `json:"count"`
}

// GrowthPoint is the cumulative number of non-deleted nodes at the end of a day.
type GrowthPoint struct {
	Day        time.Time `json:"day"`
	Created    int       `json:"created"`
	Cumulative int       `json:"cumulative"`
}

// AuthorCount ranks authors by how many non-deleted nodes they created.
type AuthorCount struct {
	Author    string    `json:"author"`
	Nodes     int       `json:"nodes"`
	LastWrite time.Time `json:"last_write"`
}

// NodeReport bundles the secondary statistics reports.
type NodeReport struct {
	ContentSizes []SizeBucket  `json:"content_sizes"`
	Versions     []CountBucket `json:"versions"`
	Growth       []GrowthPoint `json:"growth"`
	TopAuthors   []AuthorCount `json:"top_authors"`
	GeneratedAt  time.Time     `json:"generated_at"`
}
