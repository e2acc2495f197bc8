package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/chain"
	"quoteflow/models"
)

// Mode captures everything that differs between security types: which
// instruments to fetch for a trading day, how a delivered bar becomes an
// output record, and where the day file lives.
type Mode interface {
	// Universe returns the instruments to query for one (asset, day).
	Universe(ctx context.Context, asset string, day time.Time) ([]models.Instrument, error)
	FormatRecord(req *models.FetchRequest, bar *models.Bar) models.BarRecord
	OutputDir(asset string) string
	FileName(asset string, day time.Time) string
}

// NewMode selects the mode for the configured security type.
func NewMode(cfg *appconfig.Config, resolver *chain.Resolver) (Mode, error) {
	switch cfg.Fetch.SecType {
	case appconfig.SecTypeOption:
		return &optionMode{config: cfg, resolver: resolver}, nil
	case appconfig.SecTypeStock:
		return &stockMode{config: cfg}, nil
	case appconfig.SecTypeForex:
		return &forexMode{config: cfg}, nil
	}
	return nil, fmt.Errorf("no mode for security type %q", cfg.Fetch.SecType)
}

// parseAsset splits the weekly-chain marker off an asset name. "SPY_W"
// queries SPY weekly options; the marker stays in directory and file names.
func parseAsset(asset string) (symbol string, weekly bool) {
	if s, ok := strings.CutSuffix(asset, "_W"); ok {
		return s, true
	}
	return asset, false
}

type optionMode struct {
	config   *appconfig.Config
	resolver *chain.Resolver
}

func (m *optionMode) Universe(ctx context.Context, asset string, day time.Time) ([]models.Instrument, error) {
	symbol, weekly := parseAsset(asset)
	start, err := m.config.Session.StartClock()
	if err != nil {
		return nil, err
	}
	sessionStart := time.Date(day.Year(), day.Month(), day.Day(), start.Hour(), start.Minute(), 0, 0, day.Location())

	if err := m.resolver.Materialize(ctx, symbol, day, weekly, sessionStart); err != nil {
		return nil, err
	}
	return m.resolver.State().Instruments(), nil
}

func (m *optionMode) FormatRecord(req *models.FetchRequest, bar *models.Bar) models.BarRecord {
	inst := req.Instrument
	return models.BarRecord{
		Timestamp: models.SessionTimestamp(bar.Time, m.config.Fetch.ShiftHours),
		Symbol:    inst.Symbol,
		Kind:      models.SecOption,
		Strike:    inst.Strike,
		CallOrPut: inst.Right,
		BidOrAsk:  req.Side,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
	}
}

func (m *optionMode) OutputDir(asset string) string {
	return asset + "_OPTIONS"
}

func (m *optionMode) FileName(asset string, day time.Time) string {
	return fmt.Sprintf("RawData-%s-OPTION-%s.%s", asset, day.Format("20060102"), m.config.Output.Format)
}

type stockMode struct {
	config *appconfig.Config
}

func (m *stockMode) Universe(ctx context.Context, asset string, day time.Time) ([]models.Instrument, error) {
	return []models.Instrument{models.StockInstrument(asset)}, nil
}

func (m *stockMode) FormatRecord(req *models.FetchRequest, bar *models.Bar) models.BarRecord {
	return flatRecord(req, bar, models.SecStock, m.config.Fetch.ShiftHours)
}

func (m *stockMode) OutputDir(asset string) string {
	return asset
}

func (m *stockMode) FileName(asset string, day time.Time) string {
	return fmt.Sprintf("RawData-%s-%s.%s", asset, day.Format("20060102"), m.config.Output.Format)
}

type forexMode struct {
	config *appconfig.Config
}

func (m *forexMode) Universe(ctx context.Context, asset string, day time.Time) ([]models.Instrument, error) {
	return []models.Instrument{models.ForexInstrument(asset)}, nil
}

func (m *forexMode) FormatRecord(req *models.FetchRequest, bar *models.Bar) models.BarRecord {
	return flatRecord(req, bar, models.SecForex, m.config.Fetch.ShiftHours)
}

func (m *forexMode) OutputDir(asset string) string {
	return strings.ReplaceAll(asset, ".", "")
}

func (m *forexMode) FileName(asset string, day time.Time) string {
	return fmt.Sprintf("RawData-%s-%s.%s", strings.ReplaceAll(asset, ".", ""), day.Format("20060102"), m.config.Output.Format)
}

func flatRecord(req *models.FetchRequest, bar *models.Bar, kind models.SecKind, shiftHours int) models.BarRecord {
	return models.BarRecord{
		Timestamp: models.SessionTimestamp(bar.Time, shiftHours),
		Symbol:    req.Instrument.Symbol,
		Kind:      kind,
		BidOrAsk:  req.Side,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
	}
}
