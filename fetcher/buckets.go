package fetcher

import (
	"time"

	appconfig "quoteflow/config"
)

// Bucket is one historical query span: bars from End-Span to End.
type Bucket struct {
	Start       time.Time
	End         time.Time
	SpanMinutes int
}

// SessionBuckets splits one trading day into query spans, oldest first.
// Full-length buckets are laid out backward from the session close, so a
// session that does not divide evenly starts with one shorter bucket. The
// grace period widens the cutoff past the close without changing any
// bucket's span, so extra full buckets appear only when the grace exceeds
// the bucket size.
func SessionBuckets(day time.Time, session appconfig.SessionConfig) ([]Bucket, error) {
	startClock, err := session.StartClock()
	if err != nil {
		return nil, err
	}
	endClock, err := session.EndClock()
	if err != nil {
		return nil, err
	}

	open := time.Date(day.Year(), day.Month(), day.Day(), startClock.Hour(), startClock.Minute(), 0, 0, day.Location())
	close := time.Date(day.Year(), day.Month(), day.Day(), endClock.Hour(), endClock.Minute(), 0, 0, day.Location())
	span := time.Duration(session.BucketMinutes) * time.Minute
	grace := time.Duration(session.GraceMinutes) * time.Minute

	var buckets []Bucket
	end := close
	for end.Sub(open) >= span {
		buckets = append(buckets, Bucket{Start: end.Add(-span), End: end, SpanMinutes: session.BucketMinutes})
		end = end.Add(-span)
	}
	if end.After(open) {
		buckets = append(buckets, Bucket{Start: open, End: end, SpanMinutes: int(end.Sub(open) / time.Minute)})
	}

	// Reverse into chronological order.
	for i, j := 0, len(buckets)-1; i < j; i, j = i+1, j-1 {
		buckets[i], buckets[j] = buckets[j], buckets[i]
	}

	for next := close.Add(span); next.Before(close.Add(grace)); next = next.Add(span) {
		buckets = append(buckets, Bucket{Start: next.Add(-span), End: next, SpanMinutes: session.BucketMinutes})
	}
	return buckets, nil
}
