package model

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	SearchConfigIntervalMin    = 30
	SearchConfigIntervalMax    = 86400
	SearchConfigRandomRangeMax = 300
)

// SearchConfig is one user's saved search against one service, with filters
// and a run cadence. The scheduler owns the scheduling fields (last_run_at,
// next_run_at, consecutive_failures); the user owns everything else.
type SearchConfig struct {
	ID                  primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID              primitive.ObjectID `bson:"user_id" json:"-"`
	ServiceID           primitive.ObjectID `bson:"service_id" json:"service_id"`
	Keywords            []string           `bson:"keywords" json:"keywords"`
	PriceMin            *int               `bson:"price_min,omitempty" json:"price_min,omitempty"`
	PriceMax            *int               `bson:"price_max,omitempty" json:"price_max,omitempty"`
	Location            string             `bson:"location,omitempty" json:"location,omitempty"`
	CustomFilters       map[string]string  `bson:"custom_filters,omitempty" json:"custom_filters,omitempty"`
	IntervalSeconds     int                `bson:"interval_seconds" json:"interval_seconds"`
	RandomRangeSeconds  int                `bson:"random_range_seconds" json:"random_range_seconds"`
	Enabled             bool               `bson:"enabled" json:"enabled"`
	DisabledReason      string             `bson:"disabled_reason,omitempty" json:"disabled_reason,omitempty"`
	LastRunAt           primitive.DateTime `bson:"last_run_at,omitempty" json:"last_run_at,omitempty"`
	NextRunAt           primitive.DateTime `bson:"next_run_at,omitempty" json:"next_run_at,omitempty"`
	ConsecutiveFailures int                `bson:"consecutive_failures" json:"consecutive_failures"`
	CreatedAt           primitive.DateTime `bson:"created_at" json:"-"`
	UpdatedAt           primitive.DateTime `bson:"updated_at" json:"-"`
}

func (sc SearchConfig) Validate() error {
	if len(sc.Keywords) == 0 {
		return errors.New("keywords must not be empty")
	}
	if sc.IntervalSeconds < SearchConfigIntervalMin || sc.IntervalSeconds > SearchConfigIntervalMax {
		return errors.Errorf("interval_seconds must be between %d and %d, got %d",
			SearchConfigIntervalMin, SearchConfigIntervalMax, sc.IntervalSeconds)
	}
	if sc.RandomRangeSeconds < 0 || sc.RandomRangeSeconds > SearchConfigRandomRangeMax {
		return errors.Errorf("random_range_seconds must be between 0 and %d, got %d",
			SearchConfigRandomRangeMax, sc.RandomRangeSeconds)
	}
	if sc.PriceMin != nil && *sc.PriceMin <= 0 {
		return errors.New("price_min must be positive")
	}
	if sc.PriceMax != nil && *sc.PriceMax <= 0 {
		return errors.New("price_max must be positive")
	}
	if sc.PriceMin != nil && sc.PriceMax != nil && *sc.PriceMin > *sc.PriceMax {
		return errors.Errorf("price_min (%d) must not exceed price_max (%d)", *sc.PriceMin, *sc.PriceMax)
	}
	return nil
}
