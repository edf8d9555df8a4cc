package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"mira/backend/internal/sanitize"
)

type profileRequest struct {
	BirthDate     *string `json:"birth_date"`
	BirthTime     *string `json:"birth_time"`
	BirthLocation *string `json:"birth_location"`
	BirthCountry  *string `json:"birth_country"`
}

type conversationCreateRequest struct {
	AgentName string         `json:"agent_name"`
	Metadata  map[string]any `json:"metadata"`
}

type messageCreateRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sanitizeRequest struct {
	Text string `json:"text"`
}

const (
	defaultAgentName   = "mira"
	profileFieldMaxLen = 120
	messageContentMax  = 4000
)

var earliestBirthDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

type validationError struct {
	Field  string
	Reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("Validation failed for %s: %s", e.Field, e.Reason)
}

type validatedProfile struct {
	BirthDate     time.Time
	BirthTime     *string
	BirthLocation string
	BirthCountry  string
}

func validateProfile(input validatedProfileInput, now time.Time) (validatedProfile, error) {
	birthDate, err := parseDate(input.BirthDate)
	if err != nil {
		return validatedProfile{}, &validationError{Field: "birth_date", Reason: "must be a date in YYYY-MM-DD format"}
	}
	if birthDate.After(startOfUTCDay(now)) {
		return validatedProfile{}, &validationError{Field: "birth_date", Reason: "must not be in the future"}
	}
	if birthDate.Before(earliestBirthDate) {
		return validatedProfile{}, &validationError{Field: "birth_date", Reason: "must be on or after 1900-01-01"}
	}

	var birthTime *string
	if trimmed := strings.TrimSpace(input.BirthTime); trimmed != "" {
		parsed, err := time.Parse("15:04", trimmed)
		if err != nil {
			return validatedProfile{}, &validationError{Field: "birth_time", Reason: "must be a 24h time in HH:MM format"}
		}
		formatted := parsed.Format("15:04")
		birthTime = &formatted
	}

	location, err := requiredText("birth_location", input.BirthLocation)
	if err != nil {
		return validatedProfile{}, err
	}
	country, err := requiredText("birth_country", input.BirthCountry)
	if err != nil {
		return validatedProfile{}, err
	}

	return validatedProfile{
		BirthDate:     birthDate,
		BirthTime:     birthTime,
		BirthLocation: location,
		BirthCountry:  country,
	}, nil
}

type validatedProfileInput struct {
	BirthDate     string
	BirthTime     string
	BirthLocation string
	BirthCountry  string
}

func requiredText(field, value string) (string, error) {
	trimmed := strings.Join(strings.Fields(value), " ")
	if trimmed == "" {
		return "", &validationError{Field: field, Reason: "is required"}
	}
	if utf8.RuneCountInString(trimmed) > profileFieldMaxLen {
		return "", &validationError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", profileFieldMaxLen)}
	}
	return trimmed, nil
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func startOfUTCDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func derefOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}

func mustMarshalJSON(input any) string {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}

func normalizeAgentName(input string) string {
	name := strings.ToLower(strings.TrimSpace(input))
	if name == "" {
		return defaultAgentName
	}
	return name
}

func (a *App) sanitizeText(c *gin.Context) {
	var payload sanitizeRequest
	if !mustJSON(c, &payload) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": sanitize.Sanitize(payload.Text)})
}
