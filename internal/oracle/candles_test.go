package oracle

import (
	"encoding/json"
	"testing"
)

func TestParseKline(t *testing.T) {
	t.Parallel()

	raw := `[1756200000000, "50000.10", "50100.00", "49950.50", "50050.25", "12.345", 1756200059999, "617000", 100, "6.0", "300000", "0"]`
	var row []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		t.Fatal(err)
	}

	c, err := parseKline(row)
	if err != nil {
		t.Fatalf("parseKline: %v", err)
	}
	if got := c.Timestamp.UnixMilli(); got != 1756200000000 {
		t.Errorf("Timestamp = %d, want 1756200000000", got)
	}
	if c.Open != 50000.10 || c.High != 50100.00 || c.Low != 49950.50 || c.Close != 50050.25 {
		t.Errorf("OHLC = %v/%v/%v/%v", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 12.345 {
		t.Errorf("Volume = %v, want 12.345", c.Volume)
	}
	if c.Interval != "1m" {
		t.Errorf("Interval = %q, want 1m", c.Interval)
	}
}

func TestParseKlineMalformed(t *testing.T) {
	t.Parallel()

	var row []json.RawMessage
	if err := json.Unmarshal([]byte(`["not-a-time", "1", "2", "3", "4", "5"]`), &row); err != nil {
		t.Fatal(err)
	}
	if _, err := parseKline(row); err == nil {
		t.Error("expected error for bad open time")
	}

	if err := json.Unmarshal([]byte(`[1756200000000, "x", "2", "3", "4", "5"]`), &row); err != nil {
		t.Fatal(err)
	}
	if _, err := parseKline(row); err == nil {
		t.Error("expected error for bad price column")
	}
}
