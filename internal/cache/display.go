package cache

import (
	"fmt"
	"time"
)

// DisplayRecord is the shape delivered to scan responses and socket fan-out,
// matching the compact field names clients expect over the wire.
type DisplayRecord struct {
	Symbol     string `json:"symbol"`
	Pattern    string `json:"pattern"`
	Confidence float64 `json:"conf"`
	RS         string `json:"rs"`
	Volume     string `json:"vol"`
	Price      string `json:"price"`
	Change     string `json:"chg"`
	Time       string `json:"time"`
	Expires    string `json:"exp"`
	Source     string `json:"source"`
}

// patternAbbreviations mirrors the fixed abbreviation table; any pattern
// type outside this table falls back to its first 8 characters.
var patternAbbreviations = map[string]string{
	"Weekly_Breakout":    "WeeklyBO",
	"Bull_Flag":          "BullFlag",
	"Trendline_Hold":     "TrendHold",
	"Volume_Spike":       "VolSpike",
	"Gap_Fill":           "GapFill",
	"Momentum_Shift":     "MomShift",
	"Support_Test":       "Support",
	"Resistance_Break":   "ResBreak",
	"Ascending_Triangle": "AscTri",
	"Reversal_Signal":    "Reversal",
	"Doji":               "Doji",
	"Hammer":             "Hammer",
	"Engulfing":          "Engulfing",
}

func abbreviatePattern(patternType string) string {
	if abbr, ok := patternAbbreviations[patternType]; ok {
		return abbr
	}
	if len(patternType) > 8 {
		return patternType[:8]
	}
	return patternType
}

// formatTimeAgo renders a duration since an instant as a short human string:
// seconds under a minute, minutes under an hour, hours under a day, else days.
func formatTimeAgo(secondsAgo float64) string {
	switch {
	case secondsAgo < 60:
		return fmt.Sprintf("%ds", int(secondsAgo))
	case secondsAgo < 3600:
		return fmt.Sprintf("%dm", int(secondsAgo/60))
	case secondsAgo < 86400:
		return fmt.Sprintf("%dh", int(secondsAgo/3600))
	default:
		return fmt.Sprintf("%dd", int(secondsAgo/86400))
	}
}

// formatExpiration renders the remaining time-to-live, or "Expired" once it
// has passed.
func formatExpiration(secondsRemaining float64) string {
	switch {
	case secondsRemaining <= 0:
		return "Expired"
	case secondsRemaining < 3600:
		return fmt.Sprintf("%dm", int(secondsRemaining/60))
	case secondsRemaining < 86400:
		return fmt.Sprintf("%dh", int(secondsRemaining/3600))
	default:
		return fmt.Sprintf("%dd", int(secondsRemaining/86400))
	}
}

// ToDisplay converts the record to its compact wire shape as of instant now.
func (r *Record) ToDisplay(now time.Time) DisplayRecord {
	rs := r.Indicators["relative_strength"]
	if rs == 0 {
		rs = 1.0
	}
	vol := r.Indicators["relative_volume"]
	if vol == 0 {
		vol = 1.0
	}

	return DisplayRecord{
		Symbol:     r.Symbol,
		Pattern:    abbreviatePattern(r.PatternType),
		Confidence: round2(r.Confidence),
		RS:         fmt.Sprintf("%.1fx", rs),
		Volume:     fmt.Sprintf("%.1fx", vol),
		Price:      fmt.Sprintf("$%.2f", r.CurrentPrice),
		Change:     fmt.Sprintf("%+.1f%%", r.PriceChange),
		Time:       formatTimeAgo(now.Sub(r.DetectedAt).Seconds()),
		Expires:    formatExpiration(r.ExpiresAt.Sub(now).Seconds()),
		Source:     r.SourceTier,
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
