// Package horoscope is a daily horoscope bot: a zodiac catalog,
// AI-generated text cached per sign and day, and scheduled delivery to
// subscribers.
package horoscope

import (
	"strings"
	"time"
)

// Sign is one zodiac sign.
type Sign struct {
	Name      string
	Emoji     string
	DateRange string
}

// Signs is the zodiac in calendar order starting at Aries.
var Signs = []Sign{
	{"Aries", "♈", "Mar 21 - Apr 19"},
	{"Taurus", "♉", "Apr 20 - May 20"},
	{"Gemini", "♊", "May 21 - Jun 20"},
	{"Cancer", "♋", "Jun 21 - Jul 22"},
	{"Leo", "♌", "Jul 23 - Aug 22"},
	{"Virgo", "♍", "Aug 23 - Sep 22"},
	{"Libra", "♎", "Sep 23 - Oct 22"},
	{"Scorpio", "♏", "Oct 23 - Nov 21"},
	{"Sagittarius", "♐", "Nov 22 - Dec 21"},
	{"Capricorn", "♑", "Dec 22 - Jan 19"},
	{"Aquarius", "♒", "Jan 20 - Feb 18"},
	{"Pisces", "♓", "Feb 19 - Mar 20"},
}

// Display is the sign with its emoji prefix, as shown on buttons.
func (s Sign) Display() string { return s.Emoji + " " + s.Name }

// Key is the lowercase name used in callback data and cache keys.
func (s Sign) Key() string { return strings.ToLower(s.Name) }

// SignByName resolves a sign case-insensitively.
func SignByName(name string) (Sign, bool) {
	for _, s := range Signs {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Sign{}, false
}

// SignForDate maps a calendar date to its sign.
func SignForDate(t time.Time) Sign {
	month, day := int(t.Month()), t.Day()
	switch {
	case month == 3 && day >= 21 || month == 4 && day <= 19:
		return Signs[0]
	case month == 4 || month == 5 && day <= 20:
		return Signs[1]
	case month == 5 || month == 6 && day <= 20:
		return Signs[2]
	case month == 6 || month == 7 && day <= 22:
		return Signs[3]
	case month == 7 || month == 8 && day <= 22:
		return Signs[4]
	case month == 8 || month == 9 && day <= 22:
		return Signs[5]
	case month == 9 || month == 10 && day <= 22:
		return Signs[6]
	case month == 10 || month == 11 && day <= 21:
		return Signs[7]
	case month == 11 || month == 12 && day <= 21:
		return Signs[8]
	case month == 12 || month == 1 && day <= 19:
		return Signs[9]
	case month == 1 || month == 2 && day <= 18:
		return Signs[10]
	default:
		return Signs[11]
	}
}
