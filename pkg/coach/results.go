package coach

import (
	"encoding/json"
	"strings"
)

// InterviewQuestion is one generated mock interview question.
type InterviewQuestion struct {
	Question                string `json:"question"`
	Category                string `json:"category"`
	ExpectedAnswerDirection string `json:"expectedAnswerDirection"`
	Difficulty              string `json:"difficulty"`
}

// InterviewResponse is the final result of a mock interview stream.
type InterviewResponse struct {
	ResumeID     string              `json:"resumeId"`
	Questions    []InterviewQuestion `json:"questions"`
	Difficulty   string              `json:"difficulty"`
	FocusArea    string              `json:"focusArea"`
	ErrorMessage string              `json:"errorMessage"`
}

// LearningStep is one step of a generated learning path.
type LearningStep struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Category          string   `json:"category"`
	Priority          int      `json:"priority"`
	EstimatedDuration string   `json:"estimatedDuration"`
	Resources         []string `json:"resources"`
}

// LearningPathResponse is the final result of a learning path stream.
type LearningPathResponse struct {
	ResumeID           string         `json:"resumeId"`
	CurrentLevel       string         `json:"currentLevel"`
	TargetLevel        string         `json:"targetLevel"`
	LearningSteps      []LearningStep `json:"learningSteps"`
	EstimatedTimeframe string         `json:"estimatedTimeframe"`
	ErrorMessage       string         `json:"errorMessage"`
}

// ExtractJSON returns the text between the first '{' and the last '}', or
// the whole text when there is no such object.
func ExtractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}

type rawQuestion struct {
	Question                *string `json:"question"`
	Category                *string `json:"category"`
	ExpectedAnswerDirection *string `json:"expectedAnswerDirection"`
	Difficulty              *string `json:"difficulty"`
	PersonalizationReason   *string `json:"personalizationReason"`
}

type rawInterview struct {
	Questions         []rawQuestion `json:"questions"`
	OverallDifficulty *string       `json:"overallDifficulty"`
	FocusArea         *string       `json:"focusArea"`
	InterviewStrategy *string       `json:"interviewStrategy"`
}

// ParseInterview converts generated text into an InterviewResponse. Text that
// does not hold a complete interview yields the fallback response with the
// extracted JSON in ErrorMessage.
func ParseInterview(text, resumeID string) InterviewResponse {
	jsonPart := ExtractJSON(text)

	var raw rawInterview
	if err := json.Unmarshal([]byte(jsonPart), &raw); err != nil || raw.Questions == nil {
		return interviewFallback(resumeID, jsonPart)
	}
	if raw.OverallDifficulty == nil || raw.FocusArea == nil {
		return interviewFallback(resumeID, jsonPart)
	}

	questions := make([]InterviewQuestion, 0, len(raw.Questions))
	for _, q := range raw.Questions {
		if q.Question == nil || q.Category == nil || q.ExpectedAnswerDirection == nil || q.Difficulty == nil {
			return interviewFallback(resumeID, jsonPart)
		}
		direction := *q.ExpectedAnswerDirection
		if q.PersonalizationReason != nil {
			direction += " [Personalization: " + *q.PersonalizationReason + "]"
		}
		questions = append(questions, InterviewQuestion{
			Question:                *q.Question,
			Category:                *q.Category,
			ExpectedAnswerDirection: direction,
			Difficulty:              *q.Difficulty,
		})
	}

	focus := *raw.FocusArea
	if raw.InterviewStrategy != nil {
		focus += " [Strategy: " + *raw.InterviewStrategy + "]"
	}

	return InterviewResponse{
		ResumeID:   resumeID,
		Questions:  questions,
		Difficulty: *raw.OverallDifficulty,
		FocusArea:  focus,
	}
}

func interviewFallback(resumeID, raw string) InterviewResponse {
	return InterviewResponse{
		ResumeID: resumeID,
		Questions: []InterviewQuestion{{
			Question:                "The AI service is temporarily unavailable.",
			Category:                "Service outage",
			ExpectedAnswerDirection: "Please try again in a moment.",
			Difficulty:              "Notice",
		}},
		Difficulty:   "Service outage",
		FocusArea:    "AI service temporarily unavailable",
		ErrorMessage: raw,
	}
}

type rawStep struct {
	Title                 *string  `json:"title"`
	Description           *string  `json:"description"`
	Category              *string  `json:"category"`
	Priority              *int     `json:"priority"`
	EstimatedDuration     *string  `json:"estimatedDuration"`
	Resources             []string `json:"resources"`
	PersonalizationReason *string  `json:"personalizationReason"`
}

type rawLearningPath struct {
	CurrentLevel       *string   `json:"currentLevel"`
	TargetLevel        *string   `json:"targetLevel"`
	LearningSteps      []rawStep `json:"learningSteps"`
	EstimatedTimeframe *string   `json:"estimatedTimeframe"`
	LearningStrategy   *string   `json:"learningStrategy"`
}

// ParseLearningPath converts generated text into a LearningPathResponse,
// falling back the same way as ParseInterview.
func ParseLearningPath(text, resumeID string) LearningPathResponse {
	jsonPart := ExtractJSON(text)

	var raw rawLearningPath
	if err := json.Unmarshal([]byte(jsonPart), &raw); err != nil || raw.LearningSteps == nil {
		return learningPathFallback(resumeID, jsonPart)
	}
	if raw.CurrentLevel == nil || raw.TargetLevel == nil || raw.EstimatedTimeframe == nil {
		return learningPathFallback(resumeID, jsonPart)
	}

	steps := make([]LearningStep, 0, len(raw.LearningSteps))
	for _, s := range raw.LearningSteps {
		if s.Title == nil || s.Description == nil || s.Category == nil || s.Priority == nil || s.EstimatedDuration == nil {
			return learningPathFallback(resumeID, jsonPart)
		}
		description := *s.Description
		if s.PersonalizationReason != nil {
			description += "\n\nPersonalized focus: " + *s.PersonalizationReason
		}
		resources := s.Resources
		if resources == nil {
			resources = []string{}
		}
		steps = append(steps, LearningStep{
			Title:             *s.Title,
			Description:       description,
			Category:          *s.Category,
			Priority:          *s.Priority,
			EstimatedDuration: *s.EstimatedDuration,
			Resources:         resources,
		})
	}

	timeframe := *raw.EstimatedTimeframe
	if raw.LearningStrategy != nil {
		timeframe += " [Strategy: " + *raw.LearningStrategy + "]"
	}

	return LearningPathResponse{
		ResumeID:           resumeID,
		CurrentLevel:       *raw.CurrentLevel,
		TargetLevel:        *raw.TargetLevel,
		LearningSteps:      steps,
		EstimatedTimeframe: timeframe,
	}
}

func learningPathFallback(resumeID, raw string) LearningPathResponse {
	return LearningPathResponse{
		ResumeID:     resumeID,
		CurrentLevel: "Service outage",
		TargetLevel:  "Normal service",
		LearningSteps: []LearningStep{{
			Title:             "AI service outage",
			Description:       "The AI service is temporarily unavailable.\nPlease try again in a moment.",
			Category:          "Service outage",
			Priority:          1,
			EstimatedDuration: "A moment",
			Resources:         []string{"Try again shortly"},
		}},
		EstimatedTimeframe: "A moment",
		ErrorMessage:       raw,
	}
}
