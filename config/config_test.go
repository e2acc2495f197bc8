package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, extra string) string {
	t.Helper()
	content := `quoteflow:
  name: "TestApp"
  version: "1.0"
fetch:
  sec_type: stk
  assets: [spy]
  dates: ["20240116"]
gateway:
  url: "ws://127.0.0.1:7496/ws"
output:
  format: txt
  dir: "/tmp/out"
` + extra
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, "")
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quoteflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Quoteflow.Name)
	}
	if cfg.Fetch.SecType != SecTypeStock {
		t.Errorf("sec type not upper-cased: %s", cfg.Fetch.SecType)
	}
	if cfg.Fetch.Assets[0] != "SPY" {
		t.Errorf("asset not upper-cased: %s", cfg.Fetch.Assets[0])
	}
	if cfg.Pacing.WindowRequests != 58 || cfg.Pacing.MaxOpen != 49 {
		t.Errorf("pacing defaults not applied: %+v", cfg.Pacing)
	}
	if cfg.Session.BucketMinutes != 60 {
		t.Errorf("session defaults not applied: %+v", cfg.Session)
	}
}

func TestLoadConfigMissingSecType(t *testing.T) {
	content := `quoteflow:
  name: "TestApp"
  version: "1.0"
fetch:
  assets: [spy]
gateway:
  url: "ws://127.0.0.1:7496/ws"
output:
  format: txt
  dir: "/tmp/out"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil || !strings.Contains(err.Error(), "sec_type") {
		t.Fatalf("expected sec_type error, got %v", err)
	}
}

func TestTradingDatesSkipsWeekends(t *testing.T) {
	// 20240115 is a Monday; walking back 4 days crosses a weekend.
	f := FetchConfig{StartDate: "20240115", DaysToGet: 4}
	dates, err := f.TradingDates()
	if err != nil {
		t.Fatalf("TradingDates failed: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 weekdays, got %d: %v", len(dates), dates)
	}
	for _, d := range dates {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("weekend date not excluded: %v", d)
		}
	}
}

func TestTradingDatesExplicitList(t *testing.T) {
	f := FetchConfig{Dates: []string{"20240113", "20240116"}}
	dates, err := f.TradingDates()
	if err != nil {
		t.Fatalf("TradingDates failed: %v", err)
	}
	// 20240113 is a Saturday and must be dropped.
	if len(dates) != 1 || dates[0].Format("20060102") != "20240116" {
		t.Fatalf("unexpected dates: %v", dates)
	}
}

func TestSessionClocks(t *testing.T) {
	s := SessionConfig{Start: "0930", End: "1600"}
	start, err := s.StartClock()
	if err != nil {
		t.Fatalf("StartClock failed: %v", err)
	}
	if start.Hour() != 9 || start.Minute() != 30 {
		t.Errorf("unexpected start clock: %v", start)
	}
	if _, err := (SessionConfig{Start: "abc"}).StartClock(); err == nil {
		t.Errorf("expected error for malformed clock")
	}
}

func TestATMBand(t *testing.T) {
	f := FetchConfig{PctFromATM: 7}
	if got := f.ATMBand(); got != 0.07 {
		t.Errorf("unexpected band fraction: %f", got)
	}
}
