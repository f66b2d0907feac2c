package persistence

import "time"

// SessionRow is the GORM-mapped form of pkg/session.Session.
type SessionRow struct {
	ID                string `gorm:"primaryKey"`
	CookieText        string
	CookieHash        string `gorm:"uniqueIndex:idx_provider_cookie_hash"`
	Provider          string `gorm:"uniqueIndex:idx_provider_cookie_hash"`
	UserAgent         string
	CreatedAt         time.Time
	LastUsedAt        time.Time
	ExpiresAt         *time.Time
	LastHealthCheckAt *time.Time
	UsageCount        int64
	SuccessCount      int64
	FailureCount      int64
	Status            string `gorm:"index"`
	Metadata          string // JSON-encoded map[string]string
}

func (SessionRow) TableName() string { return "sessions" }

// GenerationRow is one terminal outcome of one inbound request (spec §3/§6).
type GenerationRow struct {
	ID        string `gorm:"primaryKey"`
	RequestID string `gorm:"index"`
	SessionID string `gorm:"index"`
	Provider  string
	Model     string

	Prompt             string
	PromptTokens       int64
	ResponseText       string
	ResponseTokens     int64
	ResponseRaw        string
	Status             int
	LatencyMs          int64
	ErrorMessage       string
	CreatedAt          time.Time

	ReasoningTokens            int64
	AudioTokens                int64
	ImageTokens                int64
	CachedTokens               int64
	AcceptedPredictionTokens   int64
	RejectedPredictionTokens   int64
	NumSourcesUsed             int64
	ResponseID                 string
	PreviousResponseID         string
	Temperature                float64
	TopP                       float64
	MaxOutputTokens            int64
	ParallelToolCalls          bool
	ToolChoice                 string
	FinishReason               string
	ReasoningContent           string
	IncompleteDetails          string
	Annotations                string
}

func (GenerationRow) TableName() string { return "generations" }

// TokenUsageRow is an append-only row per successful generation (spec §3/§6).
type TokenUsageRow struct {
	ID           string `gorm:"primaryKey"`
	GenerationID string `gorm:"index"`
	UserID       string
	SessionID    string `gorm:"index"`
	CreatedAt    time.Time
	Provider     string
	Model        string

	PromptTextTokens    int64
	PromptAudioTokens   int64
	PromptImageTokens   int64
	PromptCachedTokens  int64
	PromptTotalTokens   int64

	CompletionReasoningTokens          int64
	CompletionAudioTokens              int64
	CompletionTextTokens               int64
	CompletionAcceptedPredictionTokens int64
	CompletionRejectedPredictionTokens int64
	CompletionTotalTokens              int64

	TotalTokens int64

	PromptCostMicroUSD     int64
	CompletionCostMicroUSD int64
	TotalCostMicroUSD      int64
}

func (TokenUsageRow) TableName() string { return "token_usage" }
