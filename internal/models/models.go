package models

import "time"

type Plan string

const (
	PlanFreemium Plan = "freemium"
	PlanPro      Plan = "pro"
)

func (p Plan) Valid() bool {
	return p == PlanFreemium || p == PlanPro
}

type AssetType string

const (
	AssetText       AssetType = "text"
	AssetStructured AssetType = "structured"
	AssetImage      AssetType = "image"
	AssetVideo      AssetType = "video"
	AssetStrategy   AssetType = "strategy"
)

type Account struct {
	ID                  int64
	ExternalID          string
	Email               string
	Plan                Plan
	Balance             int
	PlanLimit           int
	OnboardingCompleted bool
	BonusClaimed        bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SpendRequest is never persisted; it lives for the duration of one charge.
type SpendRequest struct {
	Amount int
	Reason string
}

// Artifact is the product of one successful generation attempt.
type Artifact struct {
	Kind         AssetType `json:"kind"`
	Text         string    `json:"text,omitempty"`
	URL          string    `json:"url,omitempty"`
	MIME         string    `json:"mime,omitempty"`
	Bytes        []byte    `json:"-"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

func (a *Artifact) Empty() bool {
	return a == nil || (a.Text == "" && a.URL == "" && len(a.Bytes) == 0)
}

type HistoryRecord struct {
	ID        string
	AccountID int64
	Kind      AssetType
	Action    string
	Prompt    string
	Content   string
	BlobURL   string
	Cost      int
	JobID     string
	CreatedAt time.Time
}

type Payment struct {
	ID             int64
	AccountID      int64
	Pack           string
	Provider       string
	ProviderCharge string
	Credits        int
	Amount         int
	Currency       string
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
