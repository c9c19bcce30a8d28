// Package extraction implements the data extraction stage: it reads a
// dataset's uploaded files from storage and replaces the dataset's
// measurement and calibration rows with their content.
package extraction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/fedutinova/fluxqc/internal/measurement"
	"github.com/fedutinova/fluxqc/internal/pipeline"
	"github.com/fedutinova/fluxqc/internal/storage"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

// sniffLen is how much of a file is inspected to detect its content type.
const sniffLen = 3072

// Result is what an extractor produced from one file.
type Result struct {
	Measurements []measurement.Measurement
	Calibrations []measurement.CalibrationRecord
}

// Extractor parses one source file using the instrument's sensor layout.
type Extractor interface {
	Extract(r io.Reader, inst *instrument.Instrument) (Result, error)
}

type Stage struct {
	files     storage.Storage
	extractor Extractor
	parallel  int
	log       *slog.Logger
}

// NewStage returns the extraction handler. A nil extractor means CSV.
func NewStage(files storage.Storage, extractor Extractor, log *slog.Logger) *Stage {
	if extractor == nil {
		extractor = CSVExtractor{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stage{files: files, extractor: extractor, parallel: 4, log: log.With("stage", "data_extraction")}
}

func (s *Stage) Execute(ctx context.Context, run *pipeline.Run) error {
	ds := run.Dataset
	keys := ds.Files()
	if len(keys) == 0 {
		return common.MissingParameter(dataset.PropertyFiles)
	}
	inst, err := instrument.NewStore(run.Tx).Get(ctx, ds.InstrumentID)
	if err != nil {
		return pipeline.StorageError("load instrument", err)
	}

	results := make([]Result, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, key := range keys {
		g.Go(func() error {
			if run.Interrupted() {
				return common.ErrInterrupted
			}
			res, err := s.extractFile(gctx, key, inst)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var merged Result
	for _, r := range results {
		merged.Measurements = append(merged.Measurements, r.Measurements...)
		merged.Calibrations = append(merged.Calibrations, r.Calibrations...)
	}
	if len(merged.Measurements) == 0 {
		return common.ValidationError{Field: "files", Message: "no measurement rows"}
	}
	sort.SliceStable(merged.Measurements, func(i, j int) bool {
		return merged.Measurements[i].Time.Before(merged.Measurements[j].Time)
	})
	for i := range merged.Measurements {
		merged.Measurements[i].Row = i + 1
	}
	run.Progress(ctx, 1, 2)

	if err := run.Checkpoint(); err != nil {
		return err
	}
	if err := measurement.NewStore(run.Tx).Replace(ctx, ds.ID, merged.Measurements, merged.Calibrations); err != nil {
		return pipeline.StorageError("store measurements", err)
	}
	run.Progress(ctx, 2, 2)

	s.log.Debug("extracted dataset", "dataset", ds.ID, "files", len(keys),
		"measurements", len(merged.Measurements), "calibrations", len(merged.Calibrations))
	return nil
}

func (s *Stage) extractFile(ctx context.Context, key string, inst *instrument.Instrument) (Result, error) {
	rc, err := s.files.Open(ctx, key)
	if err != nil {
		return Result{}, pipeline.StorageError("open", err)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Result{}, common.WrapStorage("read", err)
	}
	if mt := mimetype.Detect(head); !isText(mt) {
		return Result{}, common.ValidationError{Field: "file", Message: fmt.Sprintf("content is %s, expected text", mt.String())}
	}
	return s.extractor.Extract(br, inst)
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// Reset removes the dataset's measurements and calibration records.
func (s *Stage) Reset(ctx context.Context, tx database.Tx, datasetID int64) error {
	if err := measurement.NewStore(tx).Replace(ctx, datasetID, nil, nil); err != nil {
		return pipeline.StorageError("reset extraction", err)
	}
	return nil
}
