package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 250
)

// Pagination is bound from list query strings.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Cursor points at the last row of the previous page. Lists are ordered by
// snowflake id descending, so the id alone is a stable cursor.
type Cursor struct {
	ID string `json:"id"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Normalize clamps the page size into [1, MaxPageSize].
func (p Pagination) Normalize() Pagination {
	switch {
	case p.PageSize <= 0:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	p.PageToken = strings.TrimSpace(p.PageToken)
	return p
}

// After decodes the page token into the id to page after; zero means the first page.
func (p Pagination) After() (snowflake.ID, error) {
	if p.PageToken == "" {
		return 0, nil
	}
	cursor, err := DecodeCursor(p.PageToken)
	if err != nil {
		return 0, err
	}
	return snowflake.ParseString(cursor.ID)
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// Page trims a limit+1 result set to limit rows and builds the page info.
func Page[T any](rows []T, limit int, idOf func(T) snowflake.ID) ([]T, PageInfo) {
	if len(rows) <= limit {
		return rows, PageInfo{}
	}
	rows = rows[:limit]
	token, err := EncodeCursor(Cursor{ID: idOf(rows[len(rows)-1]).String()})
	if err != nil {
		return rows, PageInfo{HasMore: true}
	}
	return rows, PageInfo{NextPageToken: token, HasMore: true}
}
