// Package jsonutil handles loosely typed JSON values produced by LLMs.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexibleInt unmarshals from a JSON number, a numeric string ("3"), or a
// string with a leading digit ("3 points"). Models are inconsistent here.
type FlexibleInt int

func (f *FlexibleInt) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		*f = 0
		return nil
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		*f = FlexibleInt(int(numVal))
		return nil
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err != nil {
		return fmt.Errorf("value is neither number nor string: %s", raw)
	}
	strVal = strings.TrimSpace(strVal)
	if strVal == "" {
		*f = 0
		return nil
	}
	if n, err := strconv.Atoi(strVal); err == nil {
		*f = FlexibleInt(n)
		return nil
	}
	// Leading digit fallback ("3 story points").
	if strVal[0] >= '0' && strVal[0] <= '9' {
		*f = FlexibleInt(int(strVal[0] - '0'))
		return nil
	}
	*f = 0
	return nil
}

// FlexibleBool unmarshals from a JSON boolean or the strings
// "true"/"false" in any case.
type FlexibleBool bool

func (f *FlexibleBool) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		*f = false
		return nil
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		*f = FlexibleBool(boolVal)
		return nil
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err != nil {
		return fmt.Errorf("value is neither bool nor string: %s", raw)
	}
	*f = FlexibleBool(strings.EqualFold(strings.TrimSpace(strVal), "true"))
	return nil
}

// FlexibleString converts a json.RawMessage to a string, handling cases where
// LLMs return numbers or booleans instead of strings. Returns empty string
// for null/empty.
func FlexibleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return fmt.Sprintf("%d", int64(numVal))
		}
		return fmt.Sprintf("%g", numVal)
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	return string(raw)
}
