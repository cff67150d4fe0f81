package models

import "time"

// Program is the curriculum template cohorts are scheduled from.
// PriceAmount is stored in minor currency units (kobo).
type Program struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	DurationWeeks int       `db:"duration_weeks" json:"duration_weeks"`
	PriceAmount   int64     `db:"price_amount" json:"price_amount"`
	Currency      string    `db:"currency" json:"currency"`
	IsPublished   bool      `db:"is_published" json:"is_published"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
