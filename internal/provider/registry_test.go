package provider

import (
	"os"
	"path/filepath"
	"testing"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/transform"
)

const sampleYAML = `
providers:
  - id: acme
    name: Acme
    logoUrl: https://img/acme.svg
    mandatory: true
    tools:
      - name: acme_get_purchase_history
      - name: acme_get_purchase_details
        forEach: purchase_history
        args:
          order_id: order_id
    dataTransform:
      dataPath: purchase_history
      fieldMappings:
        - outputKey: order_id
          sourcePath: order_id
        - outputKey: order_total
          sourcePath: total
          transform: currency
          defaultValue: "$0.00"
  - id: other
    name: Other
    tools:
      - name: other_get_order_history
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesToolChainsAndSchemas(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg, err := reg.Lookup("acme")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "Acme" || !cfg.Mandatory {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Tools) != 2 {
		t.Fatalf("tools = %+v", cfg.Tools)
	}
	detail := cfg.Tools[1]
	if detail.ForEach != "purchase_history" || detail.Args["order_id"] != "order_id" {
		t.Errorf("detail step = %+v", detail)
	}
	if cfg.DataTransform.DataPath != "purchase_history" {
		t.Errorf("dataPath = %q", cfg.DataTransform.DataPath)
	}
	if cfg.DataTransform.FieldMappings[1].Transform != transform.KindCurrency {
		t.Errorf("mapping = %+v", cfg.DataTransform.FieldMappings[1])
	}
}

func TestLookupUnknownProvider(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.Lookup("nope")
	if domain.FaultTypeOf(err) != domain.FaultConfiguration {
		t.Errorf("err = %v, want configuration fault", err)
	}
}

func TestAllPreservesDeclarationOrder(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}
	all := reg.All()
	if len(all) != 2 || all[0].ID != "acme" || all[1].ID != "other" {
		t.Errorf("All() = %+v", all)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		configs []Config
	}{
		{"empty id", []Config{{Tools: []ToolStep{{Name: "t"}}}}},
		{"duplicate id", []Config{
			{ID: "a", Tools: []ToolStep{{Name: "t"}}},
			{ID: "a", Tools: []ToolStep{{Name: "t"}}},
		}},
		{"no tools", []Config{{ID: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.configs); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
