package geocode

import (
	"context"
	"fmt"

	"github.com/rpattn/snaptrack/internal/domain"
)

// Enricher fills missing coordinates on records that carry an address.
type Enricher struct {
	Lookup         *CachedGeocoder
	AddressField   string
	LatitudeField  string
	LongitudeField string
}

// NewEnricher uses the Address, Latitude and Longitude columns.
func NewEnricher(lookup *CachedGeocoder) *Enricher {
	return &Enricher{
		Lookup:         lookup,
		AddressField:   "Address",
		LatitudeField:  "Latitude",
		LongitudeField: "Longitude",
	}
}

// Enrich returns a copy of snapshot where records with a non-null address and
// a missing or null coordinate are geocoded. Unresolved addresses get null
// coordinates. It reports how many records were looked up.
func (e *Enricher) Enrich(ctx context.Context, snapshot domain.Snapshot) (domain.Snapshot, int, error) {
	out := domain.Snapshot{ObservedAt: snapshot.ObservedAt, Records: make([]domain.Record, len(snapshot.Records))}
	looked := 0
	for i, record := range snapshot.Records {
		out.Records[i] = record
		if !e.needsLookup(record) {
			continue
		}
		address := domain.CanonicalText(record.Value(e.AddressField))
		location, err := e.Lookup.Lookup(ctx, address)
		if err != nil {
			return domain.Snapshot{}, looked, fmt.Errorf("geocode %q: %w", address, err)
		}
		looked++

		enriched := record.Clone()
		if location.Found {
			enriched.Fields[e.LatitudeField] = location.Latitude
			enriched.Fields[e.LongitudeField] = location.Longitude
		} else {
			enriched.Fields[e.LatitudeField] = nil
			enriched.Fields[e.LongitudeField] = nil
		}
		out.Records[i] = enriched
	}
	return out, looked, nil
}

func (e *Enricher) needsLookup(record domain.Record) bool {
	if domain.IsNull(record.Value(e.AddressField)) {
		return false
	}
	return domain.IsNull(record.Value(e.LatitudeField)) || domain.IsNull(record.Value(e.LongitudeField))
}
