package model

// Interaction is one completed round trip between the user and the oracle.
// It is created once by the orchestrator and never modified afterwards.
type Interaction struct {
	ID         string   `json:"id" yaml:"id"`
	Date       Date     `json:"date" yaml:"date"`
	Weekday    string   `json:"dayOfWeek" yaml:"day_of_week"`
	UserInput  string   `json:"userInput" yaml:"user_input"`
	Categories []string `json:"categories" yaml:"categories"`
	AIResponse string   `json:"aiResponse" yaml:"ai_response"`
}

// Diary is a journal entry owned by the gateway.
type Diary struct {
	ID           string  `json:"id"`
	Date         Date    `json:"date"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Emotion      string  `json:"emotion"`
	EmotionScore float64 `json:"emotionScore"`
}

// Event is a calendar entry.
type Event struct {
	ID       string `json:"id"`
	Date     Date   `json:"date"`
	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	Start    string `json:"startTime,omitempty"`
	End      string `json:"endTime,omitempty"`
}

// Task is a to-do item.
type Task struct {
	ID    string `json:"id"`
	Date  Date   `json:"date"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// HealthRecord is a daily health measurement.
type HealthRecord struct {
	ID     string  `json:"id"`
	Date   Date    `json:"date"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
}

// Analysis is an expensive server-side summary (e.g. emotion trends).
type Analysis struct {
	Kind    string             `json:"kind"`
	Summary string             `json:"summary"`
	Scores  map[string]float64 `json:"scores,omitempty"`
}
