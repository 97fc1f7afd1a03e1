package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/smallbiznis/turnstile/internal/config"
	sourcedomain "github.com/smallbiznis/turnstile/internal/source/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var fileNamePattern = regexp.MustCompile(`^turnstile_(\d{6})\.txt$`)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// Source reads turnstile_YYMMDD.txt files from a local directory.
type Source struct {
	dir string
	log *zap.Logger
}

func New(p Params) sourcedomain.Source {
	return NewSource(p.Config.Ingest.DataDir, p.Log)
}

func NewSource(dir string, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{dir: dir, log: log.Named("source.local")}
}

func (s *Source) List(ctx context.Context, window sourcedomain.Window) ([]sourcedomain.File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	files := make([]sourcedomain.File, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		date, err := ParseFileDate(entry.Name())
		if err != nil {
			s.log.Debug("ignoring file", zap.String("name", entry.Name()))
			continue
		}
		if !window.Contains(date) {
			continue
		}

		// An unreadable file is still listed so its own batch fails at PARSING.
		path := filepath.Join(s.dir, entry.Name())
		checksum, size, err := Checksum(path)
		if err != nil {
			s.log.Warn("checksum failed", zap.String("file_id", entry.Name()), zap.Error(err))
			checksum, size = "", 0
		}

		files = append(files, sourcedomain.File{
			ID:       entry.Name(),
			Date:     date,
			Checksum: checksum,
			Size:     size,
			Open:     opener(path),
		})
	}

	if len(files) == 0 {
		return nil, &sourcedomain.NoFilesInWindowError{Window: window, Location: s.dir}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Date.Before(files[j].Date)
	})
	return files, nil
}

// ParseFileDate extracts the publication date from a turnstile_YYMMDD.txt name.
func ParseFileDate(name string) (time.Time, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, sourcedomain.ErrInvalidFileName
	}
	date, err := time.ParseInLocation("060102", m[1], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", sourcedomain.ErrInvalidFileName, name)
	}
	return date, nil
}

// Checksum returns the hex sha256 and size of the file at path.
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func opener(path string) func(context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return os.Open(path)
	}
}
