package server

import "time"

type zodiacCusp struct {
	Month time.Month
	Day   int
	Sign  string
}

// Ordered by start date; a sign runs until the next cusp.
var zodiacCusps = []zodiacCusp{
	{Month: time.January, Day: 20, Sign: "Aquarius"},
	{Month: time.February, Day: 19, Sign: "Pisces"},
	{Month: time.March, Day: 21, Sign: "Aries"},
	{Month: time.April, Day: 20, Sign: "Taurus"},
	{Month: time.May, Day: 21, Sign: "Gemini"},
	{Month: time.June, Day: 21, Sign: "Cancer"},
	{Month: time.July, Day: 23, Sign: "Leo"},
	{Month: time.August, Day: 23, Sign: "Virgo"},
	{Month: time.September, Day: 23, Sign: "Libra"},
	{Month: time.October, Day: 23, Sign: "Scorpio"},
	{Month: time.November, Day: 22, Sign: "Sagittarius"},
	{Month: time.December, Day: 22, Sign: "Capricorn"},
}

func zodiacSign(birthDate time.Time) string {
	if birthDate.IsZero() {
		return "Unknown"
	}
	month, day := birthDate.Month(), birthDate.Day()
	sign := "Capricorn"
	for _, cusp := range zodiacCusps {
		if month > cusp.Month || (month == cusp.Month && day >= cusp.Day) {
			sign = cusp.Sign
		}
	}
	return sign
}
