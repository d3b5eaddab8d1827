package storage

import (
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Filter narrows List/Count. Zero-valued fields are ignored. StatusCodes
// entries are literal status values; bucket expansion ("2xx" and friends)
// is the caller's responsibility.
type Filter struct {
	SearchQuery  string
	Methods      []string
	StatusCodes  []int
	Hosts        []string
	ContentTypes []string
	StartTime    int64
	EndTime      int64
	Limit        int
	Offset       int
}

func (f Filter) apply(db *gorm.DB) *gorm.DB {
	if f.SearchQuery != "" {
		q := "%" + f.SearchQuery + "%"
		db = db.Where("url LIKE ? OR host LIKE ? OR path LIKE ?", q, q, q)
	}
	if len(f.Methods) > 0 {
		db = db.Where("method IN ?", f.Methods)
	}
	if len(f.StatusCodes) > 0 {
		db = db.Where("status IN ?", f.StatusCodes)
	}
	if len(f.Hosts) > 0 {
		db = db.Where("host IN ?", f.Hosts)
	}
	if len(f.ContentTypes) > 0 {
		like := db.Session(&gorm.Session{NewDB: true})
		cond := like.Where("content_type LIKE ?", "%"+f.ContentTypes[0]+"%")
		for _, t := range f.ContentTypes[1:] {
			cond = cond.Or("content_type LIKE ?", "%"+t+"%")
		}
		db = db.Where(cond)
	}
	if f.StartTime != 0 && f.EndTime != 0 {
		db = db.Where("timestamp BETWEEN ? AND ?", f.StartTime, f.EndTime)
	} else if f.StartTime != 0 {
		db = db.Where("timestamp >= ?", f.StartTime)
	} else if f.EndTime != 0 {
		db = db.Where("timestamp <= ?", f.EndTime)
	}
	return db
}

// List returns matching rows ordered by timestamp descending, ties broken
// by id descending. Limit and Offset slice the ordered result.
func (s *Store) List(f Filter) ([]*Exchange, error) {
	db := f.apply(s.db.Model(&Exchange{})).Order("timestamp DESC, id DESC")
	if f.Limit > 0 {
		db = db.Limit(f.Limit)
	}
	if f.Offset > 0 {
		db = db.Offset(f.Offset)
	}
	var rows []*Exchange
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns how many rows match the filter, ignoring pagination.
func (s *Store) Count(f Filter) (int64, error) {
	var n int64
	f.Limit = 0
	f.Offset = 0
	if err := f.apply(s.db.Model(&Exchange{})).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) UniqueHosts() ([]string, error) {
	return s.distinct("host")
}

func (s *Store) UniqueMethods() ([]string, error) {
	return s.distinct("method")
}

func (s *Store) UniqueContentTypes() ([]string, error) {
	return s.distinct("content_type")
}

func (s *Store) distinct(column string) ([]string, error) {
	var values []string
	err := s.db.Model(&Exchange{}).Distinct(column).Order(column).Pluck(column, &values).Error
	if err != nil {
		return nil, err
	}
	return lo.Filter(values, func(v string, _ int) bool { return v != "" }), nil
}
