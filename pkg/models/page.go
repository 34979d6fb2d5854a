package models

// PageMeta describes one page of a list response.
type PageMeta struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	TotalItems int  `json:"total_items"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPageMeta computes page metadata for a list of totalItems entries.
func NewPageMeta(page, pageSize, totalItems int) PageMeta {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := (totalItems + pageSize - 1) / pageSize
	return PageMeta{
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		TotalItems: totalItems,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && totalItems > 0,
	}
}

// JobFilter narrows job listings by owner and/or status.
type JobFilter struct {
	UserID string
	Status JobStatus
}
