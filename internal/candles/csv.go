package candles

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// csvReadTimeout bounds a whole multi-file load. Reads past the
// deadline fail the run rather than stalling it.
const csvReadTimeout = 5 * time.Minute

// Expected header: coin_id,timestamp,open,high,low,close,volume
var csvColumns = []string{"coin_id", "timestamp", "open", "high", "low", "close", "volume"}

// FileProvider loads candle series from CSV files under a base
// directory. Paths are confined to the base directory; traversal
// outside it is a fatal run error.
type FileProvider struct {
	baseDir string
	logger  zerolog.Logger
}

// NewFileProvider creates a provider rooted at baseDir.
func NewFileProvider(baseDir string, logger zerolog.Logger) *FileProvider {
	return &FileProvider{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "candle_store").Logger(),
	}
}

var _ Provider = (*FileProvider)(nil)

// GetCandles loads every file in ref.Paths, merges the rows and sorts
// ascending. Files are read concurrently; the first error wins.
func (p *FileProvider) GetCandles(ctx context.Context, ref DatasetRef) ([]Candle, error) {
	if ref.Kind != DatasetCSV {
		return nil, fmt.Errorf("file provider cannot serve dataset kind %q", ref.Kind)
	}
	if len(ref.Paths) == 0 {
		return nil, fmt.Errorf("dataset %q names no csv paths", ref.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, csvReadTimeout)
	defer cancel()

	var mu sync.Mutex
	var all []Candle

	g, ctx := errgroup.WithContext(ctx)
	for _, path := range ref.Paths {
		path := path
		g.Go(func() error {
			resolved, err := p.resolve(path)
			if err != nil {
				return err
			}
			rows, err := readCandleFile(ctx, resolved)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			mu.Lock()
			all = append(all, rows...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	SortAscending(all)
	p.logger.Info().
		Str("dataset", ref.ID).
		Int("files", len(ref.Paths)).
		Int("candles", len(all)).
		Msg("Loaded candle dataset")
	return all, nil
}

// resolve confines a dataset path to the provider's base directory.
func (p *FileProvider) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute dataset path %q not allowed", path)
	}
	joined := filepath.Join(p.baseDir, path)
	cleanBase := filepath.Clean(p.baseDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(joined)+string(filepath.Separator), cleanBase) {
		return "", fmt.Errorf("dataset path %q escapes the data directory", path)
	}
	return joined, nil
}

func readCandleFile(ctx context.Context, path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(csvColumns)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, want := range csvColumns {
		if strings.TrimSpace(strings.ToLower(header[i])) != want {
			return nil, fmt.Errorf("unexpected header column %d: got %q, want %q", i, header[i], want)
		}
	}

	var rows []Candle
	line := 1
	for {
		if line%10000 == 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("candle read cancelled: %w", ctx.Err())
			default:
			}
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", line, err)
		}
		line++

		candle, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("invalid row %d: %w", line, err)
		}
		rows = append(rows, candle)
	}

	return rows, nil
}

func parseRow(record []string) (Candle, error) {
	coinID := strings.TrimSpace(record[0])
	if coinID == "" {
		return Candle{}, fmt.Errorf("empty coin_id")
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(record[1]), 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("bad timestamp %q: %w", record[1], err)
	}

	fields := make([]float64, 5)
	names := []string{"open", "high", "low", "close", "volume"}
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+2]), 64)
		if err != nil {
			return Candle{}, fmt.Errorf("bad %s %q: %w", names[i], record[i+2], err)
		}
		fields[i] = v
	}
	if fields[0] <= 0 || fields[3] <= 0 {
		return Candle{}, fmt.Errorf("non-positive price for %s at %d", coinID, ts)
	}
	if fields[2] > fields[1] {
		return Candle{}, fmt.Errorf("low above high for %s at %d", coinID, ts)
	}

	return Candle{
		CoinID:    coinID,
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}
