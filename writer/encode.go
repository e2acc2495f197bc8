package writer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "quoteflow/config"
	"quoteflow/models"
)

// encoder accumulates one day of records and yields the finished file
// contents. Day files are small enough to assemble in memory; parquet
// cannot be streamed row by row anyway.
type encoder interface {
	Append(rec models.BarRecord) error
	Finish() ([]byte, error)
}

func newEncoder(format string) (encoder, error) {
	switch format {
	case appconfig.FormatText:
		return &textEncoder{}, nil
	case appconfig.FormatBinary:
		return &binaryEncoder{}, nil
	case appconfig.FormatParquet:
		return newParquetEncoder()
	}
	return nil, fmt.Errorf("no encoder for output format %q", format)
}

// textEncoder writes one comma-separated line per bar. Option records
// carry strike and right; stock and forex lines omit them.
type textEncoder struct {
	buf bytes.Buffer
}

func (e *textEncoder) Append(rec models.BarRecord) error {
	if rec.Kind == models.SecOption {
		fmt.Fprintf(&e.buf, "%s,%s,%s,%s,%s,%s,%s,%s\n",
			rec.Timestamp,
			strconv.FormatFloat(rec.Strike, 'f', -1, 64),
			rec.CallOrPut,
			rec.BidOrAsk.Flag(),
			rec.Open.StringFixed(3),
			rec.High.StringFixed(3),
			rec.Low.StringFixed(3),
			rec.Close.StringFixed(3))
		return nil
	}
	fmt.Fprintf(&e.buf, "%s,%s,%s,%s,%s,%s\n",
		rec.Timestamp,
		rec.BidOrAsk.Flag(),
		rec.Open.StringFixed(3),
		rec.High.StringFixed(3),
		rec.Low.StringFixed(3),
		rec.Close.StringFixed(3))
	return nil
}

func (e *textEncoder) Finish() ([]byte, error) {
	return e.buf.Bytes(), nil
}

// binaryEncoder writes fixed-width little-endian float32 rows: eight
// fields for options, six for stock and forex. The call/put and bid/ask
// flags are encoded as 1/0.
type binaryEncoder struct {
	buf bytes.Buffer
}

func (e *binaryEncoder) Append(rec models.BarRecord) error {
	ts, err := strconv.ParseFloat(rec.Timestamp, 32)
	if err != nil {
		return fmt.Errorf("binary record timestamp %q: %w", rec.Timestamp, err)
	}

	fields := make([]float32, 0, 8)
	fields = append(fields, float32(ts))
	if rec.Kind == models.SecOption {
		fields = append(fields, float32(rec.Strike), rightFlag(rec.CallOrPut))
	}
	fields = append(fields, sideFlag(rec.BidOrAsk),
		float32(rec.Open.InexactFloat64()),
		float32(rec.High.InexactFloat64()),
		float32(rec.Low.InexactFloat64()),
		float32(rec.Close.InexactFloat64()))

	for _, f := range fields {
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], math.Float32bits(f))
		e.buf.Write(raw[:])
	}
	return nil
}

func (e *binaryEncoder) Finish() ([]byte, error) {
	return e.buf.Bytes(), nil
}

func rightFlag(r models.Right) float32 {
	if r == models.RightCall {
		return 1
	}
	return 0
}

func sideFlag(s models.Side) float32 {
	if s == models.SideAsk {
		return 1
	}
	return 0
}

// ParquetBar is the parquet row schema for one bar record.
type ParquetBar struct {
	Timestamp string  `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	SecType   string  `parquet:"name=sec_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike    float64 `parquet:"name=strike, type=DOUBLE"`
	Right     string  `parquet:"name=right, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
}

// memoryFile implements the ParquetFile interface over a byte buffer.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)   { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }

type parquetEncoder struct {
	file *memoryFile
	pw   *pqwriter.ParquetWriter
}

func newParquetEncoder() (*parquetEncoder, error) {
	file := newMemoryFile()
	pw, err := pqwriter.NewParquetWriter(file, new(ParquetBar), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &parquetEncoder{file: file, pw: pw}, nil
}

func (e *parquetEncoder) Append(rec models.BarRecord) error {
	row := ParquetBar{
		Timestamp: rec.Timestamp,
		Symbol:    rec.Symbol,
		SecType:   string(rec.Kind),
		Strike:    rec.Strike,
		Right:     string(rec.CallOrPut),
		Side:      rec.BidOrAsk.Flag(),
		Open:      rec.Open.InexactFloat64(),
		High:      rec.High.InexactFloat64(),
		Low:       rec.Low.InexactFloat64(),
		Close:     rec.Close.InexactFloat64(),
	}
	if err := e.pw.Write(row); err != nil {
		return fmt.Errorf("write parquet row: %w", err)
	}
	return nil
}

func (e *parquetEncoder) Finish() ([]byte, error) {
	if err := e.pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return e.file.buffer.Bytes(), nil
}
