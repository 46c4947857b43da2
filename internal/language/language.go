package language

import (
	"fmt"
	"strings"

	xlang "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// named lists the languages accepted by their English name.
var named = []xlang.Tag{
	xlang.English, xlang.Spanish, xlang.French, xlang.German, xlang.Italian,
	xlang.Portuguese, xlang.Japanese, xlang.Korean, xlang.Chinese, xlang.Russian,
	xlang.Arabic, xlang.Hindi, xlang.Dutch, xlang.Polish, xlang.Swedish,
	xlang.Danish, xlang.Norwegian, xlang.Finnish, xlang.Turkish, xlang.Ukrainian,
}

var byWord map[string]xlang.Base

func init() {
	names := display.English.Languages()
	byWord = make(map[string]xlang.Base, len(named))
	for _, tag := range named {
		base, _ := tag.Base()
		byWord[strings.ToLower(names.Name(tag))] = base
	}
}

// Normalize canonicalizes a language code, tag, or English language name to
// its ISO 639 base. Empty input yields "" with no error.
func Normalize(value string) (string, error) {
	value = strings.TrimSpace(strings.ReplaceAll(value, "\u0000", ""))
	if value == "" {
		return "", nil
	}
	if base, ok := byWord[strings.ToLower(value)]; ok {
		return base.String(), nil
	}
	tag, err := xlang.Parse(strings.ReplaceAll(value, "_", "-"))
	if err != nil {
		return "", fmt.Errorf("unrecognized language %q: %w", value, err)
	}
	base, confidence := tag.Base()
	if confidence == xlang.No || base.String() == "und" {
		return "", fmt.Errorf("unrecognized language %q", value)
	}
	return base.String(), nil
}

// ToISO2 is Normalize without the error: unrecognized input yields "".
func ToISO2(value string) string {
	code, err := Normalize(value)
	if err != nil {
		return ""
	}
	return code
}

// DisplayName returns the English name of a language, "Unknown" for empty
// input, or the uppercased input when unrecognized.
func DisplayName(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	code, err := Normalize(value)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(value))
	}
	return display.English.Languages().Name(xlang.Make(code))
}
