// Package ingest turns one run's raw scrape records into the durable set of
// listings, deduplicated against everything seen before. The database's
// unique index is the dedup authority, never in-memory state, so re-ingesting
// an identical snapshot is a no-op across restarts and concurrent runs.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/misc"
	"listingwatcher/internal/model"
	"listingwatcher/internal/scrape"
)

type listingStore interface {
	ListingInsertIfAbsent(ctx context.Context, l model.Listing) (model.Listing, bool, error)
}

type logger interface {
	Debugf(format string, v ...any)
	Errorf(format string, v ...any)
}

type Ingestor struct {
	DB     listingStore
	Logger logger
}

// Result splits one run's records into listings this run created and
// listings that already existed. "Known" listings still flow to dispatch:
// another user's config can match a listing long after it was first seen.
type Result struct {
	New   []model.Listing
	Known []model.Listing
}

// Fingerprint computes the stable dedup hash for a record. When the service
// provides a stable external id, that pins identity; otherwise identity falls
// back to the normalized content fields.
func Fingerprint(serviceID primitive.ObjectID, r scrape.Record) string {
	h := sha256.New()
	if r.ExternalID != "" {
		fmt.Fprintf(h, "ext\x00%s\x00%s", serviceID.Hex(), r.ExternalID)
	} else {
		fmt.Fprintf(h, "norm\x00%s\x00%s\x00%d\x00%s",
			serviceID.Hex(),
			strings.ToLower(misc.NormalizeSpace(r.Title)),
			r.Price,
			strings.TrimRight(r.URL, "/"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest persists the records that are new to the system and reports which
// are new versus already known. Individual record failures are logged and
// skipped so one bad row never sinks the run.
func (ing *Ingestor) Ingest(ctx context.Context, serviceID primitive.ObjectID, records []scrape.Record) (Result, error) {
	var res Result
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fp := Fingerprint(serviceID, r)
		externalID := r.ExternalID
		if externalID == "" {
			// Records without a service id key on the content fingerprint, so
			// the same (service_id, external_id) unique index covers both.
			externalID = fp
		}
		l := model.Listing{
			ServiceID:   serviceID,
			ExternalID:  externalID,
			Title:       r.Title,
			Price:       r.Price,
			Currency:    r.Currency,
			URL:         r.URL,
			Phone:       r.Phone,
			ImageURLs:   r.ImageURLs,
			Fingerprint: fp,
		}
		stored, inserted, err := ing.DB.ListingInsertIfAbsent(ctx, l)
		if err != nil {
			ing.Logger.Errorf("ingest: Error storing Listing, ExternalID: %s, err: %v", externalID, err)
			continue
		}
		if inserted {
			res.New = append(res.New, stored)
		} else {
			res.Known = append(res.Known, stored)
		}
	}
	ing.Logger.Debugf("ingest: Processed %d record(s), %d new, %d known",
		len(records), len(res.New), len(res.Known))
	return res, nil
}
