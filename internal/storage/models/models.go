package models

import (
	"fmt"
	"time"
)

type TrainingStatus string

const (
	TrainingNotStarted TrainingStatus = "not_started"
	TrainingInProgress TrainingStatus = "in_progress"
	TrainingCompleted  TrainingStatus = "completed"
	TrainingFailed     TrainingStatus = "failed"
)

type ContentType string

const (
	ContentText ContentType = "text"
	ContentURL  ContentType = "url"
	ContentFile ContentType = "file"
	ContentFAQ  ContentType = "faq"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentURL, ContentFile, ContentFAQ:
		return true
	}
	return false
}

type User struct {
	ID                   string
	Email                string
	FullName             string
	APIKey               string
	Plan                 string
	IsActive             bool
	IsSubscriptionActive bool
	QueriesUsedToday     int
	LastQueryReset       time.Time
	TotalQueriesLifetime int
	CreatedAt            time.Time
}

type WidgetTheme struct {
	ThemeColor      string `json:"theme_color"`
	WelcomeMessage  string `json:"welcome_message"`
	PlaceholderText string `json:"placeholder_text"`
	WidgetTitle     string `json:"widget_title"`
}

type Widget struct {
	ID                 string
	UserID             string
	Name               string
	Description        string
	SystemPrompt       string
	Temperature        float32
	MaxTokens          int
	SearchThreshold    float64
	Theme              WidgetTheme
	IsActive           bool
	TrainingStatus     TrainingStatus
	TrainingLeaseUntil *time.Time
	TotalDocuments     int
	TotalChunks        int
	LastTrainingDate   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Namespace is the vector partition holding this widget's chunks.
func (w *Widget) Namespace() string {
	return Namespace(w.UserID, w.ID)
}

func Namespace(userID, widgetID string) string {
	return fmt.Sprintf("user_%s_widget_%s", userID, widgetID)
}

// DefaultWidget fills in the settings a freshly created widget starts with.
func DefaultWidget(userID, name string) Widget {
	return Widget{
		UserID:          userID,
		Name:            name,
		SystemPrompt:    "You are a helpful product assistant. Answer questions based on the provided context.",
		Temperature:     0.7,
		MaxTokens:       500,
		SearchThreshold: 0.7,
		Theme: WidgetTheme{
			ThemeColor:      "#007bff",
			WelcomeMessage:  "Hi! How can I help you today?",
			PlaceholderText: "Ask me anything about our product...",
			WidgetTitle:     "Product Assistant",
		},
		IsActive:       true,
		TrainingStatus: TrainingNotStarted,
	}
}

type TrainingDocument struct {
	ID              string
	WidgetID        string
	Title           string
	Content         string
	ContentType     ContentType
	SourceURL       string
	FileType        string
	ChunkCount      int
	IsProcessed     bool
	ProcessingError string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Conversation struct {
	ID                string
	UserID            string
	WidgetID          string
	SessionID         string
	MessageCount      int
	AvgResponseTimeMs float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	TokensUsed     int
	ResponseTimeMs int
	ModelUsed      string
	ContextUsed    int
	CreatedAt      time.Time
}

type UsageLog struct {
	ID             int64
	UserID         string
	WidgetID       string
	QueryText      string
	ResponseTimeMs int
	Cached         bool
	CreatedAt      time.Time
}
