package domain

// Expense is one row in the expense tracker.
type Expense struct {
	ID          int64   `json:"id"`
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Note        string  `json:"note"`
}

// ExpenseTotal is one group of a summary.
type ExpenseTotal struct {
	Key   string  `json:"key"`
	Total float64 `json:"total"`
}
