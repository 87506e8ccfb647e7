package feed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidFilter = errors.New("invalid feed filter")

const (
	SortLatest  = "latest"
	SortPopular = "popular"

	TimeAll   = "all"
	TimeToday = "today"
	TimeWeek  = "week"
	TimeMonth = "month"

	maxPage = 50
)

// Filters are the query options of a feed request.
type Filters struct {
	Sort       string
	TimeFilter string
	Category   string
	Page       int
	Explain    bool
}

// Normalize validates f and fills defaults.
func (f Filters) Normalize() (Filters, error) {
	f.Sort = strings.ToLower(strings.TrimSpace(f.Sort))
	f.TimeFilter = strings.ToLower(strings.TrimSpace(f.TimeFilter))
	f.Category = strings.TrimSpace(f.Category)

	switch f.Sort {
	case "", SortLatest, SortPopular:
	default:
		return f, fmt.Errorf("%w: sort %q", ErrInvalidFilter, f.Sort)
	}
	switch f.TimeFilter {
	case "", TimeAll, TimeToday, TimeWeek, TimeMonth:
	default:
		return f, fmt.Errorf("%w: timeFilter %q", ErrInvalidFilter, f.TimeFilter)
	}
	if len(f.Category) > 64 {
		return f, fmt.Errorf("%w: category too long", ErrInvalidFilter)
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Page < 1 || f.Page > maxPage {
		return f, fmt.Errorf("%w: page %d", ErrInvalidFilter, f.Page)
	}
	return f, nil
}

// DefaultMode is true when neither sort nor time filter narrows the view.
func (f Filters) DefaultMode() bool {
	return (f.Sort == "" || f.Sort == SortLatest) && (f.TimeFilter == "" || f.TimeFilter == TimeAll)
}

// ShowFeatured reports whether the Featured slot is filled.
func (f Filters) ShowFeatured() bool {
	return f.DefaultMode() && f.Page <= 1
}

// Since returns the earliest publish time the time filter admits.
func (f Filters) Since(now time.Time) time.Time {
	switch f.TimeFilter {
	case TimeToday:
		return now.Add(-24 * time.Hour)
	case TimeWeek:
		return now.Add(-7 * 24 * time.Hour)
	case TimeMonth:
		return now.Add(-30 * 24 * time.Hour)
	}
	return time.Time{}
}

func (f Filters) key() string {
	sort := f.Sort
	if sort == "" {
		sort = SortLatest
	}
	tf := f.TimeFilter
	if tf == "" {
		tf = TimeAll
	}
	var b strings.Builder
	b.WriteString(sort)
	b.WriteByte('|')
	b.WriteString(tf)
	b.WriteByte('|')
	b.WriteString(f.Category)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(f.Page))
	if f.Explain {
		b.WriteString("|explain")
	}
	return b.String()
}
