// Package invoice is the registry of invoices offered for financing: their
// lifecycle state machine, secondary lookups and ratings.
package invoice

import "time"

// Status is the invoice lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusFunded    Status = "funded"
	StatusDisputed  Status = "disputed"
	StatusPaid      Status = "paid"
	StatusDefaulted Status = "defaulted"
)

// transitions is the full status machine. Paid and Defaulted are terminal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusVerified},
	StatusVerified: {StatusFunded},
	StatusFunded:   {StatusDisputed, StatusPaid, StatusDefaulted},
	StatusDisputed: {StatusPaid, StatusDefaulted},
}

// CanTransition reports whether next is a legal successor of s.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Category classifies the goods or services the invoice bills for.
type Category string

const (
	CategoryServices      Category = "services"
	CategoryGoods         Category = "goods"
	CategoryConsulting    Category = "consulting"
	CategoryManufacturing Category = "manufacturing"
	CategoryTechnology    Category = "technology"
	CategoryHealthcare    Category = "healthcare"
	CategoryOther         Category = "other"
)

var categories = map[Category]bool{
	CategoryServices:      true,
	CategoryGoods:         true,
	CategoryConsulting:    true,
	CategoryManufacturing: true,
	CategoryTechnology:    true,
	CategoryHealthcare:    true,
	CategoryOther:         true,
}

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	return categories[c]
}

// Invoice mirrors the invoices table. Amounts are in the smallest unit of
// the referenced currency.
type Invoice struct {
	ID          string
	Business    string
	Amount      int64
	Currency    string
	DueDate     time.Time
	Description string
	Category    Category
	Tags        []string
	Status      Status
	RatingSum   int64
	RatingCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AverageRating returns the aggregate score. ok is false while no rating
// has been recorded.
func (i Invoice) AverageRating() (avg float64, ok bool) {
	if i.RatingCount == 0 {
		return 0, false
	}
	return float64(i.RatingSum) / float64(i.RatingCount), true
}

// Rating is one investor score for a paid invoice.
type Rating struct {
	InvoiceID string
	Rater     string
	Score     int
	Feedback  string
	CreatedAt time.Time
}

// CreateParams carries caller input for Store.
type CreateParams struct {
	Amount      int64
	Currency    string
	DueDate     time.Time
	Description string
	Category    Category
	Tags        []string
}

// Filters narrows List results. Zero values match everything.
type Filters struct {
	Business  string
	Status    Status
	Category  Category
	Tag       string
	MinRating float64
	Limit     int
	Offset    int
}
