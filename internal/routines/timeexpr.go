package routines

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/neurospicy/fibi/internal/util"
)

func parseDuration(s string) (time.Duration, error) { return util.ParseISODuration(s) }

func formatDuration(d time.Duration) string { return util.FormatISODuration(d) }

var exprPattern = regexp.MustCompile(`^\$\{([a-zA-Z0-9_.-]+)\}\s*([+-])\s*(P\S+)$`)

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

// EvaluateTimeExpression resolves a time expression like "${wakeUpTime}+PT15M"
// to a local time using the instance's parameters. A bare "${param}" or a
// literal "HH:MM" also works.
func EvaluateTimeExpression(expression string, params map[string]TypedParameter) (LocalTime, error) {
	expression = strings.TrimSpace(expression)
	if m := exprPattern.FindStringSubmatch(expression); m != nil {
		base, err := resolveTimeParameter(m[1], params)
		if err != nil {
			return LocalTime{}, err
		}
		offset, err := parseDuration(m[3])
		if err != nil {
			return LocalTime{}, fmt.Errorf("expression %q: %w", expression, err)
		}
		if m[2] == "-" {
			offset = -offset
		}
		return shiftLocalTime(base, offset), nil
	}
	if m := placeholderPattern.FindStringSubmatch(expression); m != nil && m[0] == expression {
		return resolveTimeParameter(m[1], params)
	}
	lt, err := ParseLocalTime(expression)
	if err != nil {
		return LocalTime{}, fmt.Errorf("unsupported time expression %q", expression)
	}
	return lt, nil
}

// ExpressionParameterKeys lists the parameter keys an expression references.
func ExpressionParameterKeys(expression string) []string {
	var keys []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(expression, -1) {
		keys = append(keys, m[1])
	}
	return keys
}

func resolveTimeParameter(key string, params map[string]TypedParameter) (LocalTime, error) {
	p, ok := params[key]
	if !ok {
		return LocalTime{}, fmt.Errorf("parameter %q is not set", key)
	}
	// String parameters holding a parseable time are accepted too.
	lt, err := ParseLocalTime(p.Value)
	if err != nil {
		return LocalTime{}, fmt.Errorf("parameter %q: %w", key, err)
	}
	return lt, nil
}

// shiftLocalTime moves a wall-clock time by a duration, wrapping within the
// day.
func shiftLocalTime(t LocalTime, d time.Duration) LocalTime {
	total := t.Hour*60 + t.Minute + int(d.Minutes())
	total %= 24 * 60
	if total < 0 {
		total += 24 * 60
	}
	return LocalTime{Hour: total / 60, Minute: total % 60}
}
