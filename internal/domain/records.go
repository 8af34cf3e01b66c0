package domain

import "time"

// PurchaseHistory is the canonical purchase record produced by the transform
// engine. The three slices are positionally aligned: index i describes one
// product within the order.
type PurchaseHistory struct {
	Brand          string       `json:"brand"`
	OrderDate      *time.Time   `json:"order_date,omitempty"`
	OrderTotal     string       `json:"order_total"`
	OrderID        string       `json:"order_id"`
	ProductNames   []string     `json:"product_names"`
	ImageURLs      []string     `json:"image_urls"`
	MaxReturnDates []*time.Time `json:"max_return_dates"`
}

// Record is one transformed item keyed by a schema's output keys. Values are
// strings, slices, times, or nil depending on the field mapping.
type Record = map[string]any

// PurchaseHistoryFromRecord builds a typed record from a transform output
// map, filling the brand when the schema did not produce one.
func PurchaseHistoryFromRecord(rec Record, brand string) PurchaseHistory {
	ph := PurchaseHistory{Brand: brand}
	if b := stringValue(rec["brand"]); b != "" {
		ph.Brand = b
	}
	ph.OrderID = stringValue(rec["order_id"])
	ph.OrderTotal = stringValue(rec["order_total"])
	ph.OrderDate = timeValue(rec["order_date"])
	ph.ProductNames = stringSlice(rec["product_names"])
	ph.ImageURLs = stringSlice(rec["image_urls"])
	ph.MaxReturnDates = timeSlice(rec["max_return_dates"])
	return ph
}

// PurchaseHistoriesFromRecords converts every transform output row.
func PurchaseHistoriesFromRecords(recs []Record, brand string) []PurchaseHistory {
	out := make([]PurchaseHistory, 0, len(recs))
	for _, rec := range recs {
		out = append(out, PurchaseHistoryFromRecord(rec, brand))
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func timeValue(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	case string:
		if t == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02", "January 2, 2006"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	}
	return nil
}

func timeSlice(v any) []*time.Time {
	switch s := v.(type) {
	case []*time.Time:
		return s
	case []time.Time:
		out := make([]*time.Time, len(s))
		for i := range s {
			t := s[i]
			out[i] = &t
		}
		return out
	case []any:
		out := make([]*time.Time, 0, len(s))
		for _, e := range s {
			out = append(out, timeValue(e))
		}
		return out
	}
	return nil
}
