package store

import "time"

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Board struct {
	ID          string
	Slug        string
	Name        string
	Description string
	OwnerID     string
	CreatedAt   time.Time
}

type Request struct {
	ID          string
	BoardID     string
	Title       string
	Description string
	Category    string
	Status      string
	VotesCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Vote struct {
	ID        string
	RequestID string
	Identity  string
	IPAddress string
	CreatedAt time.Time
}

type Comment struct {
	ID          string
	RequestID   string
	AuthorName  string
	AuthorEmail string
	Content     string
	CreatedAt   time.Time
}

type Subscription struct {
	ID                    string
	UserID                string
	Tier                  string
	Status                string
	BillingCustomerID     string
	BillingSubscriptionID string
	CurrentPeriodEnd      time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RequestFilter narrows and orders a board's request listing.
type RequestFilter struct {
	Status   string
	Category string
	Sort     string // votes | recent | oldest
	Limit    int
	Offset   int
}

type ToggleVoteResult struct {
	Voted bool
	Votes int
}
