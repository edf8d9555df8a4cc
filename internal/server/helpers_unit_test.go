package server

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClaimHasAudience(t *testing.T) {
	if !claimHasAudience("expected", "expected") {
		t.Fatalf("expected string audience to match")
	}
	if claimHasAudience("other", "expected") {
		t.Fatalf("expected mismatched string audience to fail")
	}
	if !claimHasAudience([]any{"x", "expected", "y"}, "expected") {
		t.Fatalf("expected []any audience to match")
	}
	if !claimHasAudience([]string{"x", "expected", "y"}, "expected") {
		t.Fatalf("expected []string audience to match")
	}
	if claimHasAudience(nil, "expected") {
		t.Fatalf("expected nil audience to fail")
	}
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2026-02-15")
	if err != nil {
		t.Fatalf("expected parseDate to succeed: %v", err)
	}
	if got.Format("2006-01-02T15:04:05Z07:00") != "2026-02-15T00:00:00Z" {
		t.Fatalf("unexpected parsed date: %s", got.Format(time.RFC3339))
	}

	if _, err := parseDate("02/15/2026"); err == nil {
		t.Fatalf("expected invalid date to fail")
	}
}

func TestStartOfUTCDay(t *testing.T) {
	local := time.Date(2026, 2, 15, 23, 45, 0, 0, time.FixedZone("KST", 9*60*60))
	start := startOfUTCDay(local)
	if start.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %s", start.Location())
	}
	if start.Hour() != 0 || start.Minute() != 0 || start.Second() != 0 {
		t.Fatalf("expected midnight UTC, got %s", start.Format(time.RFC3339))
	}
}

func TestExtractNumberFromMap(t *testing.T) {
	value := extractNumberFromMap(
		map[string]any{
			"str": "42.5",
			"num": json.Number("12.3"),
		},
		"missing",
		"num",
		"str",
	)
	if value != 12.3 {
		t.Fatalf("expected json.Number to parse first, got %v", value)
	}

	value = extractNumberFromMap(map[string]any{"amount": "17.25"}, "amount")
	if value != 17.25 {
		t.Fatalf("expected string number parse, got %v", value)
	}

	value = extractNumberFromMap(nil, "any")
	if value != 0 {
		t.Fatalf("expected nil map to yield 0, got %v", value)
	}
}

func TestValidateProfile(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	valid := validatedProfileInput{
		BirthDate:     "1990-08-05",
		BirthTime:     " 7:05 ",
		BirthLocation: "  Lisbon   Old Town ",
		BirthCountry:  "Portugal",
	}

	got, err := validateProfile(valid, now)
	if err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}
	if got.BirthDate.Format("2006-01-02") != "1990-08-05" {
		t.Fatalf("unexpected birth date: %s", got.BirthDate)
	}
	if got.BirthTime == nil || *got.BirthTime != "07:05" {
		t.Fatalf("expected normalized birth time 07:05, got %v", got.BirthTime)
	}
	if got.BirthLocation != "Lisbon Old Town" {
		t.Fatalf("expected collapsed whitespace in location, got %q", got.BirthLocation)
	}

	withoutTime := valid
	withoutTime.BirthTime = ""
	got, err = validateProfile(withoutTime, now)
	if err != nil || got.BirthTime != nil {
		t.Fatalf("expected optional birth time to be nil, got %v err=%v", got.BirthTime, err)
	}

	today := valid
	today.BirthDate = "2026-03-10"
	if _, err := validateProfile(today, now); err != nil {
		t.Fatalf("expected today's date to be accepted, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*validatedProfileInput)
		want   string
	}{
		{
			name:   "bad date format",
			mutate: func(in *validatedProfileInput) { in.BirthDate = "05/08/1990" },
			want:   "Validation failed for birth_date: must be a date in YYYY-MM-DD format",
		},
		{
			name:   "future date",
			mutate: func(in *validatedProfileInput) { in.BirthDate = "2026-03-11" },
			want:   "Validation failed for birth_date: must not be in the future",
		},
		{
			name:   "before 1900",
			mutate: func(in *validatedProfileInput) { in.BirthDate = "1899-12-31" },
			want:   "Validation failed for birth_date: must be on or after 1900-01-01",
		},
		{
			name:   "bad time",
			mutate: func(in *validatedProfileInput) { in.BirthTime = "25:00" },
			want:   "Validation failed for birth_time: must be a 24h time in HH:MM format",
		},
		{
			name:   "missing location",
			mutate: func(in *validatedProfileInput) { in.BirthLocation = "   " },
			want:   "Validation failed for birth_location: is required",
		},
		{
			name:   "long country",
			mutate: func(in *validatedProfileInput) { in.BirthCountry = strings.Repeat("a", profileFieldMaxLen+1) },
			want:   "Validation failed for birth_country: must be at most 120 characters",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := valid
			tc.mutate(&input)
			_, err := validateProfile(input, now)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var validationErr *validationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected *validationError, got %T", err)
			}
			if err.Error() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestZodiacSign(t *testing.T) {
	cases := map[string]string{
		"1990-01-01": "Capricorn",
		"1990-01-19": "Capricorn",
		"1990-01-20": "Aquarius",
		"1990-02-19": "Pisces",
		"1990-03-20": "Pisces",
		"1990-03-21": "Aries",
		"1990-04-20": "Taurus",
		"1990-05-21": "Gemini",
		"1990-06-21": "Cancer",
		"1990-07-23": "Leo",
		"1990-08-22": "Leo",
		"1990-08-23": "Virgo",
		"1990-09-23": "Libra",
		"1990-10-23": "Scorpio",
		"1990-11-22": "Sagittarius",
		"1990-12-21": "Sagittarius",
		"1990-12-22": "Capricorn",
		"1990-12-31": "Capricorn",
	}
	for raw, want := range cases {
		date, err := parseDate(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if got := zodiacSign(date); got != want {
			t.Fatalf("zodiacSign(%s) = %q, want %q", raw, got, want)
		}
	}
	if got := zodiacSign(time.Time{}); got != "Unknown" {
		t.Fatalf("expected Unknown for zero date, got %q", got)
	}
}

func TestBuildMiraSystemPrompt(t *testing.T) {
	birthTime := "14:30"
	prompt := buildMiraSystemPrompt(map[string]any{
		"zodiac_sign":    "Leo",
		"birth_date":     "1990-08-05",
		"birth_time":     &birthTime,
		"birth_location": "Lisbon",
		"birth_country":  "Portugal",
	})
	for _, want := range []string{
		"You are Mira",
		"Avoid making absolute predictions",
		"- Zodiac Sign: Leo",
		"- Birth Date: 1990-08-05",
		"- Birth Time: 14:30",
		"- Birth Location: Lisbon, Portugal",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q:\n%s", want, prompt)
		}
	}

	empty := buildMiraSystemPrompt(nil)
	if !strings.Contains(empty, "- Zodiac Sign: Unknown") || !strings.HasSuffix(empty, "- Birth Location: Unknown") {
		t.Fatalf("expected Unknown placeholders without a profile:\n%s", empty)
	}
}

func TestConversationTitle(t *testing.T) {
	stored := "  Saved title "
	if got := conversationTitle(&stored, nil); got != "Saved title" {
		t.Fatalf("expected stored title, got %q", got)
	}
	if got := conversationTitle(nil, nil); got != "New conversation" {
		t.Fatalf("expected default title, got %q", got)
	}
	first := "What   does my\nchart say?"
	if got := conversationTitle(nil, &first); got != "What does my chart say?" {
		t.Fatalf("expected collapsed first input, got %q", got)
	}
	long := strings.Repeat("word ", 20)
	got := conversationTitle(nil, &long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) > conversationTitleRunes+3 {
		t.Fatalf("expected truncated title, got %q", got)
	}
}

func TestParseConversationID(t *testing.T) {
	id := testID()
	got, ok := parseConversationID("  " + strings.ToUpper(id) + " ")
	if !ok || got != id {
		t.Fatalf("expected canonical id %s, got %q ok=%v", id, got, ok)
	}
	if _, ok := parseConversationID("not-a-uuid"); ok {
		t.Fatalf("expected malformed id to be rejected")
	}
}
