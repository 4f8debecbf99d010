package database

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// durationToPgInterval converts a Go duration to a Postgres interval value.
// Whole days are stored in the Days field, the remainder in microseconds.
func durationToPgInterval(d time.Duration) pgtype.Interval {
	days := int32(d / (24 * time.Hour))
	rem := d % (24 * time.Hour)
	return pgtype.Interval{
		Microseconds: rem.Microseconds(),
		Days:         days,
		Valid:        true,
	}
}

// pgIntervalToDuration is the inverse of durationToPgInterval. Months are
// not produced by our writers and are ignored.
func pgIntervalToDuration(iv pgtype.Interval) time.Duration {
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond
}
