package gammaapi

import (
	"encoding/json"
	"strconv"
	"strings"
)

// AnyNumber decodes a JSON field that upstream sends inconsistently as
// either a JSON number or a numeric string (volume, liquidity, spread,
// bestBid/bestAsk all do this depending on endpoint and market age).
// Grounded in the mixed-type numeric handling used throughout the Gamma
// API's market payloads.
type AnyNumber float64

func (n *AnyNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*n = 0
			return nil
		}
		str = strings.TrimSpace(str)
		if str == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			*n = 0
			return nil
		}
		*n = AnyNumber(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*n = 0
		return nil
	}
	*n = AnyNumber(f)
	return nil
}

// Float64 returns the plain float64 value.
func (n AnyNumber) Float64() float64 {
	return float64(n)
}
