// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soothill/froggy/pkg/interfaces"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
	"github.com/soothill/froggy/pkg/util"
)

const (
	spoolFilePrefix     = "spool_"
	spoolFileExt        = ".json"
	defaultSpoolMaxSize = 10 * 1024 * 1024
	defaultSpoolMaxAge  = 7 * 24 * time.Hour
	replayBatchSize     = 100
	healthCheckInterval = 30 * time.Second
	spoolWarnRatio      = 0.8
	alertTimeout        = 5 * time.Second
)

// ErrSpoolFull is returned when the spool has reached its size limit.
var ErrSpoolFull = errors.New("spool is full")

// Spool keeps readings on disk while InfluxDB is unreachable. Each reading
// is one file so a crash loses at most the reading being written.
type Spool struct {
	dir         string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
	seq         atomic.Uint64
	now         func() time.Time
}

// SpooledPoint is a reading waiting to be replayed.
type SpooledPoint struct {
	Point     BatteryPoint `json:"point"`
	SpooledAt time.Time    `json:"spooled_at"`
	ID        string       `json:"id"`
}

// NewSpool opens (creating if needed) a spool directory and drops files
// older than maxAge.
func NewSpool(dir string, maxSize int64, maxAge time.Duration) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool directory is empty")
	}
	if maxSize <= 0 {
		maxSize = defaultSpoolMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultSpoolMaxAge
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	s := &Spool{
		dir:     dir,
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
	if err := s.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial spool size")
	}
	if err := s.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up old spool files")
	}
	return s, nil
}

// Write stores one reading.
func (s *Spool) Write(point BatteryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentSize >= s.maxSize {
		return fmt.Errorf("%w (%d >= %d bytes)", ErrSpoolFull, s.currentSize, s.maxSize)
	}

	now := s.now()
	sp := SpooledPoint{
		Point:     point,
		SpooledAt: now,
		ID:        fmt.Sprintf("%d_%06d", now.UnixNano(), s.seq.Add(1)),
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := util.WriteFileAtomic(s.filename(sp.ID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}

	s.currentSize += int64(len(data))
	metrics.SpoolSize.Set(float64(s.currentSize))
	logger.Debug().Str("device_id", point.DeviceID).Str("id", sp.ID).Int64("spool_size", s.currentSize).
		Msg("Spooled reading")
	return nil
}

// List returns every spooled reading, oldest first. Unreadable files are
// skipped.
func (s *Spool) List() ([]SpooledPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return nil, err
	}

	points := make([]SpooledPoint, 0, len(files))
	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read spool file")
			continue
		}
		var sp SpooledPoint
		if err := json.Unmarshal(data, &sp); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to unmarshal spool file")
			continue
		}
		points = append(points, sp)
	}

	sort.Slice(points, func(i, j int) bool {
		if !points[i].SpooledAt.Equal(points[j].SpooledAt) {
			return points[i].SpooledAt.Before(points[j].SpooledAt)
		}
		return points[i].ID < points[j].ID
	})
	return points, nil
}

// Delete removes a replayed reading.
func (s *Spool) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.filename(id)
	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat spool file: %w", err)
	}
	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete spool file: %w", err)
	}
	s.currentSize -= info.Size()
	metrics.SpoolSize.Set(float64(s.currentSize))
	return nil
}

// CleanupOld removes readings spooled longer than maxAge ago.
func (s *Spool) CleanupOld() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return err
	}

	cutoff := s.now().Add(-s.maxAge)
	deleted := 0
	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			continue
		}
		var sp SpooledPoint
		if err := json.Unmarshal(data, &sp); err != nil {
			continue
		}
		if !sp.SpooledAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to delete old spool file")
			continue
		}
		deleted++
		s.currentSize -= int64(len(data))
	}

	metrics.SpoolSize.Set(float64(s.currentSize))
	if deleted > 0 {
		logger.Info().Int("count", deleted).Msg("Cleaned up old spool files")
	}
	return nil
}

// Size returns the spool size in bytes.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// MaxSize returns the spool size limit in bytes.
func (s *Spool) MaxSize() int64 {
	return s.maxSize
}

func (s *Spool) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, spoolFilePrefix+"*"+spoolFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list spool files: %w", err)
	}
	return files, nil
}

func (s *Spool) updateCurrentSize() error {
	files, err := s.files()
	if err != nil {
		return err
	}
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	s.currentSize = total
	metrics.SpoolSize.Set(float64(total))
	return nil
}

func (s *Spool) filename(id string) string {
	return filepath.Join(s.dir, spoolFilePrefix+id+spoolFileExt)
}

// PointWriter is the long-term store a BufferedExporter writes to.
type PointWriter interface {
	WriteBatch(ctx context.Context, points []BatteryPoint) error
	Health(ctx context.Context) error
}

// BufferedOptions configures a BufferedExporter.
type BufferedOptions struct {
	QueueSize           int
	HealthCheckInterval time.Duration
}

// BufferedExporter decouples history appends from InfluxDB. Export never
// blocks: readings are queued and written by a background worker. While the
// store is failing they go to the spool and are replayed once it reports
// healthy again.
type BufferedExporter struct {
	writer   PointWriter
	spool    *Spool
	notifier interfaces.ExportNotifier
	queue    chan BatteryPoint
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	degraded bool
	warned   bool

	closeOnce sync.Once
}

// NewBufferedExporter starts the write and replay goroutines. notifier may
// be nil.
func NewBufferedExporter(writer PointWriter, spool *Spool, notifier interfaces.ExportNotifier, opts BufferedOptions) *BufferedExporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = healthCheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	be := &BufferedExporter{
		writer:   writer,
		spool:    spool,
		notifier: notifier,
		queue:    make(chan BatteryPoint, opts.QueueSize),
		interval: opts.HealthCheckInterval,
		ctx:      ctx,
		cancel:   cancel,
	}

	be.wg.Add(2)
	go be.writeLoop()
	go be.monitorAndReplay()
	return be
}

// Export queues a reading. When the queue is full the reading is spooled.
func (be *BufferedExporter) Export(point BatteryPoint) {
	select {
	case be.queue <- point:
	default:
		logger.Warn().Str("device_id", point.DeviceID).Msg("Export queue full, spooling reading")
		be.spoolPoint(point)
	}
}

// Degraded reports whether readings are currently being spooled.
func (be *BufferedExporter) Degraded() bool {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.degraded
}

// Close stops the goroutines. Queued readings that were not written are
// spooled.
func (be *BufferedExporter) Close() {
	be.closeOnce.Do(func() {
		logger.Info().Msg("Closing buffered exporter")
		be.cancel()
		be.wg.Wait()
		for {
			select {
			case p := <-be.queue:
				be.spoolPoint(p)
			default:
				return
			}
		}
	})
}

func (be *BufferedExporter) writeLoop() {
	defer be.wg.Done()
	for {
		select {
		case <-be.ctx.Done():
			return
		case p := <-be.queue:
			be.write(p)
		}
	}
}

func (be *BufferedExporter) write(point BatteryPoint) {
	if be.Degraded() {
		be.spoolPoint(point)
		return
	}
	err := be.writer.WriteBatch(be.ctx, []BatteryPoint{point})
	if err == nil {
		return
	}
	logger.Warn().Err(err).Str("device_id", point.DeviceID).Msg("InfluxDB write failed, spooling locally")
	be.enterDegraded(err)
	be.spoolPoint(point)
}

func (be *BufferedExporter) enterDegraded(cause error) {
	be.mu.Lock()
	first := !be.degraded
	be.degraded = true
	be.mu.Unlock()

	if first && be.notifier != nil {
		alertCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := be.notifier.SendInfluxDBFailure(alertCtx, cause); err != nil {
			logger.Error().Err(err).Msg("Failed to send InfluxDB failure alert")
		}
	}
}

func (be *BufferedExporter) spoolPoint(point BatteryPoint) {
	if err := be.spool.Write(point); err != nil {
		metrics.InfluxDBWriteErrors.Inc()
		logger.Error().Err(err).Str("device_id", point.DeviceID).Msg("Failed to spool reading, dropping it")
		return
	}

	size, maxSize := be.spool.Size(), be.spool.MaxSize()
	if float64(size)/float64(maxSize) <= spoolWarnRatio {
		return
	}
	be.mu.Lock()
	warn := !be.warned
	be.warned = true
	be.mu.Unlock()

	if warn && be.notifier != nil {
		alertCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := be.notifier.SendSpoolWarning(alertCtx, size, maxSize); err != nil {
			logger.Error().Err(err).Msg("Failed to send spool warning alert")
		}
	}
}

// monitorAndReplay checks InfluxDB health while degraded and replays the
// spool once it recovers.
func (be *BufferedExporter) monitorAndReplay() {
	defer be.wg.Done()

	ticker := time.NewTicker(be.interval)
	defer ticker.Stop()

	for {
		select {
		case <-be.ctx.Done():
			return
		case <-ticker.C:
			if !be.Degraded() && be.spool.Size() == 0 {
				continue
			}

			healthCtx, cancel := context.WithTimeout(be.ctx, alertTimeout)
			err := be.writer.Health(healthCtx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("InfluxDB still unhealthy, keeping spool active")
				continue
			}

			logger.Info().Msg("InfluxDB is healthy, replaying spooled readings")
			if err := be.replay(); err != nil {
				logger.Error().Err(err).Msg("Failed to replay spooled readings")
				continue
			}
			be.recovered()
		}
	}
}

func (be *BufferedExporter) recovered() {
	be.mu.Lock()
	wasDegraded := be.degraded
	be.degraded = false
	be.warned = false
	be.mu.Unlock()

	if wasDegraded && be.notifier != nil {
		alertCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := be.notifier.SendInfluxDBRecovery(alertCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to send InfluxDB recovery alert")
		}
	}
}

// replay writes the spool in batches, oldest first, deleting each batch once
// written. It stops at the first failed batch.
func (be *BufferedExporter) replay() error {
	spooled, err := be.spool.List()
	if err != nil {
		return err
	}
	if len(spooled) == 0 {
		return nil
	}

	logger.Info().Int("count", len(spooled)).Msg("Replaying spooled readings")
	replayed := 0
	for start := 0; start < len(spooled); start += replayBatchSize {
		end := min(start+replayBatchSize, len(spooled))
		batch := spooled[start:end]

		points := make([]BatteryPoint, len(batch))
		for i, sp := range batch {
			points[i] = sp.Point
		}
		if err := be.writer.WriteBatch(be.ctx, points); err != nil {
			return fmt.Errorf("replay stopped after %d of %d readings: %w", replayed, len(spooled), err)
		}
		for _, sp := range batch {
			if err := be.spool.Delete(sp.ID); err != nil {
				logger.Warn().Err(err).Str("id", sp.ID).Msg("Failed to delete replayed reading from spool")
			}
		}
		replayed += len(batch)
	}

	logger.Info().Int("replayed", replayed).Msg("Finished replaying spooled readings")
	return nil
}
