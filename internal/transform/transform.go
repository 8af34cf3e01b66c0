package transform

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"gatherbridge/internal/domain"
)

const defaultCurrencyTemplate = "{symbol}{amount}"

// Engine applies schemas to raw payloads. The zero value is not usable; use
// NewEngine.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Transform resolves the schema's data path against raw and maps every item
// through the field mappings. It never panics out to the caller: an internal
// failure is logged and yields an empty list. Path misses are counted and
// logged so an empty result from missing data is distinguishable from a
// transform crash.
func (e *Engine) Transform(raw any, schema Schema) (records []domain.Record) {
	defer func() {
		if r := recover(); r != nil {
			fault := domain.ErrMapping("transform panicked", fmt.Errorf("%v", r))
			e.logger.Error("data transform failed", slog.String("error", fault.Error()))
			records = []domain.Record{}
		}
	}()

	items, ok := asSlice(NestedValue(raw, schema.DataPath))
	if !ok {
		// The payload itself may already be the item array.
		if items, ok = asSlice(raw); !ok {
			e.logger.Warn("data path does not resolve to an array",
				slog.String("data_path", schema.DataPath))
			return []domain.Record{}
		}
	}

	misses := 0
	records = make([]domain.Record, 0, len(items))
	for _, item := range items {
		rec := make(domain.Record, len(schema.FieldMappings))
		for _, mapping := range schema.FieldMappings {
			rawValue := NestedValue(item, mapping.SourcePath)
			if rawValue == nil {
				misses++
			}
			rec[mapping.OutputKey] = applyFieldMapping(rawValue, mapping)
		}
		records = append(records, rec)
	}
	if misses > 0 {
		e.logger.Debug("unresolved source paths during transform",
			slog.Int("misses", misses), slog.Int("items", len(items)))
	}
	return records
}

// applyFieldMapping converts one resolved raw value per the mapping rules.
func applyFieldMapping(value any, mapping FieldMapping) any {
	if value == nil {
		if mapping.ConvertToArray {
			return []any{mapping.DefaultValue}
		}
		return mapping.DefaultValue
	}

	if mapping.ExtractPattern != "" {
		if s, ok := value.(string); ok {
			value = extractGroup(s, mapping.ExtractPattern)
		}
	}

	result := convert(value, mapping)
	if mapping.ConvertToArray {
		if _, isSlice := result.([]any); !isSlice {
			if _, isStrings := result.([]string); !isStrings {
				return []any{result}
			}
		}
	}
	return result
}

func convert(value any, mapping FieldMapping) any {
	switch mapping.Transform {
	case KindCurrency:
		return currencyValue(value, mapping.FormatTemplate)

	case KindString:
		if tmpl := mapping.FormatTemplate; tmpl != "" {
			if strings.Contains(tmpl, "${value}") {
				return strings.Replace(tmpl, "${value}", stringify(value), 1)
			}
			if strings.Contains(tmpl, "{value}") {
				return strings.Replace(tmpl, "{value}", stringify(value), 1)
			}
		}
		return stringify(value)

	case KindImage:
		if seq, ok := asSlice(value); ok {
			urls := make([]any, 0, len(seq))
			for _, img := range seq {
				if s, ok := img.(string); ok && s != "" {
					urls = append(urls, s)
				}
			}
			return urls
		}
		return stringify(value)

	case KindDate:
		if seq, ok := asSlice(value); ok {
			dates := make([]any, len(seq))
			for i, v := range seq {
				dates[i] = dateValue(v)
			}
			return dates
		}
		return dateValue(value)

	case KindArray:
		if seq, ok := asSlice(value); ok {
			return stringifyAll(seq)
		}
		return []any{stringify(value)}

	default:
		if seq, ok := asSlice(value); ok {
			return stringifyAll(seq)
		}
		return stringify(value)
	}
}

// currencyValue fills the format template from a {currency:{symbol}, amount}
// object, defaulting symbol to "$" and amount to "0.00" like the scrapers'
// own renderer. Non-object values are stringified.
func currencyValue(value any, template string) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return stringify(value)
	}
	currency, hasCurrency := obj["currency"].(map[string]any)
	amount, hasAmount := obj["amount"]
	if !hasCurrency || !hasAmount {
		return stringify(value)
	}
	symbol, _ := currency["symbol"].(string)
	if symbol == "" {
		symbol = "$"
	}
	amountStr := stringify(amount)
	if amountStr == "" {
		amountStr = "0.00"
	}
	if template == "" {
		template = defaultCurrencyTemplate
	}
	out := strings.Replace(template, "{symbol}", symbol, 1)
	return strings.Replace(out, "{amount}", amountStr, 1)
}

// extractGroup replaces s with capture group 1 when the pattern matches.
// A bad pattern or a non-match leaves s unchanged: extraction is best
// effort, not a hard requirement.
func extractGroup(s, pattern string) string {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return s
	}
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return s
	}
	return m[1]
}

func stringifyAll(seq []any) []any {
	out := make([]any, len(seq))
	for i, v := range seq {
		out[i] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}
