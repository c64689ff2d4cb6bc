package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bitlair/Print-manager/internal/gcode"
	"github.com/klauspost/compress/zip"
)

var ErrExtractionFailed = errors.New("extraction failed")

const metadataDir = "Metadata"

var plateGcodeName = regexp.MustCompile(`(?i)^plate_(\d+)\.gcode$`)

type Options struct {
	// TempDir is the parent for per-job scratch directories. Empty means
	// os.TempDir().
	TempDir string
	// HeaderThreshold is the value both header fields must stay at or below
	// for the header result to be discarded.
	HeaderThreshold float64
	Logger          *slog.Logger
}

// Extractor turns a job archive into Metadata.
type Extractor struct {
	tempDir   string
	threshold float64
	logger    *slog.Logger

	// cleanup removes a scratch directory. It runs in the background.
	cleanup func(dir string)
}

func NewExtractor(opts Options) *Extractor {
	if opts.HeaderThreshold <= 0 {
		opts.HeaderThreshold = gcode.HeaderTrustThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Extractor{
		tempDir:   opts.TempDir,
		threshold: opts.HeaderThreshold,
		logger:    opts.Logger,
	}
	e.cleanup = func(dir string) {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove scratch directory", "dir", dir, "error", err)
		}
	}
	return e
}

// Extract unpacks archivePath and merges the sidecar, header and simulation
// results. origin is recorded as the identity of the job the archive belongs
// to.
func (e *Extractor) Extract(ctx context.Context, archivePath, origin string) (*Metadata, error) {
	dir, err := os.MkdirTemp(e.tempDir, "print-job-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %v", ErrExtractionFailed, err)
	}
	defer func() { go e.cleanup(dir) }()

	n, err := e.unpack(archivePath, dir)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: archive %s contains no files", ErrExtractionFailed, filepath.Base(archivePath))
	}

	meta := &Metadata{PlateIndex: -1, OriginFilename: origin}
	metaDir := filepath.Join(dir, metadataDir)

	if f, err := os.Open(filepath.Join(dir, filepath.FromSlash(SliceInfoPath))); err == nil {
		info := parseSliceInfo(f)
		f.Close()
		meta.PlateIndex = info.PlateIndex
		meta.FilamentLengthMM = info.FilamentLengthMM
		if info.WeightGrams > 0 {
			meta.WeightGrams = info.WeightGrams
			meta.WeightSource = SourceSliceInfo
		}
		if info.EstimatedSeconds > 0 {
			meta.EstimatedSeconds = info.EstimatedSeconds
			meta.TimeSource = SourceSliceInfo
		}
	} else {
		e.logger.Debug("no slice info in archive", "archive", filepath.Base(archivePath))
	}

	gcodePath := findGcode(metaDir, meta.PlateIndex)
	if gcodePath != "" && meta.PlateIndex < 0 {
		if m := plateGcodeName.FindStringSubmatch(filepath.Base(gcodePath)); m != nil {
			meta.PlateIndex, _ = strconv.Atoi(m[1])
		}
	}

	if gcodePath != "" && incomplete(meta) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.applyHeader(meta, gcodePath)
	}

	// simulation only fills in missing weight or time
	if gcodePath != "" && incomplete(meta) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.applySimulation(meta, gcodePath)
	}

	if meta.PlateIndex >= 0 {
		meta.Previews = collectPreviews(metaDir, meta.PlateIndex)
	}

	meta.WeightGrams = ClampWeight(meta.WeightGrams)
	meta.Source = leastAuthoritative(meta.WeightSource, meta.TimeSource)

	return meta, nil
}

func incomplete(m *Metadata) bool {
	return m.WeightGrams == 0 || m.EstimatedSeconds == 0
}

func (e *Extractor) applyHeader(meta *Metadata, path string) {
	f, err := os.Open(path)
	if err != nil {
		e.logger.Warn("failed to open gcode", "path", path, "error", err)
		return
	}
	defer f.Close()

	info, err := gcode.ParseHeader(f)
	if err != nil {
		e.logger.Warn("failed to read gcode header", "path", path, "error", err)
		return
	}
	if !info.Trusted(e.threshold) {
		return
	}
	if meta.WeightGrams == 0 && info.WeightGrams > 0 {
		meta.WeightGrams = info.WeightGrams
		meta.WeightSource = SourceHeader
	}
	if meta.EstimatedSeconds == 0 && info.EstimatedSeconds > 0 {
		meta.EstimatedSeconds = info.EstimatedSeconds
		meta.TimeSource = SourceHeader
	}
}

// applySimulation only fills fields still unset. The filament length is
// taken from the simulation when the sidecar did not report it, even if the
// weight and time are already known.
func (e *Extractor) applySimulation(meta *Metadata, path string) {
	needed := incomplete(meta)

	f, err := os.Open(path)
	if err != nil {
		e.logger.Warn("failed to open gcode", "path", path, "error", err)
		return
	}
	defer f.Close()

	res, err := gcode.Simulate(f)
	if err != nil {
		e.logger.Warn("gcode simulation failed", "path", path, "error", err)
		return
	}

	if meta.FilamentLengthMM == 0 {
		meta.FilamentLengthMM = res.LengthMM
	}
	if !needed {
		return
	}
	if meta.WeightGrams == 0 && res.WeightGrams > 0 {
		meta.WeightGrams = res.WeightGrams
		meta.WeightSource = SourceSimulation
	}
	if meta.EstimatedSeconds == 0 && res.EstimatedSeconds > 0 {
		meta.EstimatedSeconds = res.EstimatedSeconds
		meta.TimeSource = SourceSimulation
	}
}

// unpack writes every entry of the archive below dir and returns the number
// of files written. Entries whose checksum does not verify are kept.
func (e *Extractor) unpack(archivePath, dir string) (int, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: open archive: %v", ErrExtractionFailed, err)
	}
	defer reader.Close()

	written := 0
	for _, file := range reader.File {
		dest := filepath.Join(dir, file.Name)
		if !isPathSafe(dir, dest) {
			e.logger.Warn("skipping archive entry outside destination", "entry", file.Name)
			continue
		}
		if file.FileInfo().IsDir() {
			_ = os.MkdirAll(dest, 0o755)
			continue
		}

		err := writeEntry(file, dest)
		switch {
		case err == nil:
		case errors.Is(err, zip.ErrChecksum):
			e.logger.Warn("archive entry checksum mismatch", "entry", file.Name)
		default:
			e.logger.Warn("failed to extract archive entry", "entry", file.Name, "error", err)
			continue
		}
		written++
	}
	return written, nil
}

func writeEntry(file *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, src)
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	return copyErr
}

func isPathSafe(base, target string) bool {
	cleanBase := filepath.Clean(base)
	cleanTarget := filepath.Clean(target)
	return strings.HasPrefix(cleanTarget, cleanBase+string(os.PathSeparator))
}

// findGcode prefers plate_<plate>.gcode and otherwise returns the last
// G-code file in name order.
func findGcode(dir string, plate int) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".gcode") {
			continue
		}
		candidates = append(candidates, entry.Name())
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)

	if plate >= 0 {
		want := fmt.Sprintf("plate_%d.gcode", plate)
		for _, name := range candidates {
			if strings.EqualFold(name, want) {
				return filepath.Join(dir, name)
			}
		}
	}
	return filepath.Join(dir, candidates[len(candidates)-1])
}

func collectPreviews(dir string, plate int) []Preview {
	var previews []Preview
	for _, name := range []string{
		fmt.Sprintf("plate_%d.png", plate),
		fmt.Sprintf("top_%d.png", plate),
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || len(data) == 0 {
			continue
		}
		previews = append(previews, Preview{
			Filename: name,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return previews
}
