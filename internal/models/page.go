package models

// Pagination describes the cursor state of a history page response.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// HistoryPage is one page of message history. Messages are ordered
// newest first, as the history API returns them.
type HistoryPage struct {
	Messages   []MessageRecord `json:"messages"`
	Pagination Pagination      `json:"pagination"`
}
