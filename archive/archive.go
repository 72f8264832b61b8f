package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// TradeRecord is the parquet row layout for archived trades. Decimals are
// archived as their string form so no precision is lost at rest.
type TradeRecord struct {
	Exchange  string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity  string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID   string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements ParquetFile for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// TradeArchiver buffers ingested trades per (exchange, symbol) and flushes
// them to S3 as hive-partitioned parquet files on a fixed interval. A final
// flush runs on shutdown so the archive loses at most the in-memory buffer of
// a crash.
type TradeArchiver struct {
	config      *appconfig.Config
	s3Client    *s3.Client
	ctx         context.Context
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.Trade
	flushTicker *time.Ticker
}

func NewTradeArchiver(cfg *appconfig.Config) (*TradeArchiver, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("trade_archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	archiver := &TradeArchiver{
		config:   cfg,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
		buffer:   make(map[string][]models.Trade),
	}

	log.WithComponent("trade_archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("trade archiver initialized")

	return archiver, nil
}

// Start launches the flush worker. Calling Start while running logs and
// no-ops.
func (a *TradeArchiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		a.log.WithComponent("trade_archiver").Warn("trade archiver already running")
		return nil
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.flushTicker = time.NewTicker(a.config.Archive.FlushInterval)

	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("trade_archiver").WithFields(logger.Fields{
		"flush_interval": a.config.Archive.FlushInterval.String(),
	}).Info("trade archiver started")
	return nil
}

// Stop flushes remaining buffers and waits for the worker to exit.
func (a *TradeArchiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	a.log.WithComponent("trade_archiver").Info("stopping trade archiver")
	cancel()
	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}
	a.wg.Wait()
	a.log.WithComponent("trade_archiver").Info("trade archiver stopped")
}

// Add buffers trades for the next flush. Safe for concurrent use.
func (a *TradeArchiver) Add(trades []models.Trade) {
	a.mu.Lock()
	for _, t := range trades {
		key := t.Key()
		a.buffer[key] = append(a.buffer[key], t)
	}
	a.mu.Unlock()
}

func (a *TradeArchiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("trade_archiver").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *TradeArchiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.Trade)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("trade_archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing trade buffers")

	for key, trades := range buffers {
		if len(trades) == 0 {
			continue
		}
		parts := strings.SplitN(key, ":", 2)
		a.archiveBatch(parts[0], parts[1], trades)
	}
}

func (a *TradeArchiver) archiveBatch(exchange, symbol string, trades []models.Trade) {
	log := a.log.WithComponent("trade_archiver").WithFields(logger.Fields{
		"exchange":     exchange,
		"symbol":       symbol,
		"record_count": len(trades),
		"operation":    "archive_batch",
	})

	s3Key := a.generateS3Key(exchange, symbol, time.Now().UTC())
	log = log.WithFields(logger.Fields{"s3_key": s3Key})

	data, err := a.createParquetFile(trades)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := a.uploadToS3(s3Key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("trade batch archived")
}

// generateS3Key builds the hive-style partition path, e.g.
// exchange=bybit/symbol=BTCUSDT/year=2026/month=09/day=01/hour=14/file.parquet
func (a *TradeArchiver) generateS3Key(exchange, symbol string, ts time.Time) string {
	parts := []string{
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", symbol),
	}

	timeFormat := a.config.Archive.TimeFormat
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", ts.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))
	parts = append(parts, timePath)

	filename := fmt.Sprintf("%s_trades_%s_%s.parquet",
		exchange,
		symbol,
		ts.Format("20060102150405"))

	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}

func (a *TradeArchiver) createParquetFile(trades []models.Trade) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(TradeRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Archive.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, t := range trades {
		record := TradeRecord{
			Exchange:  t.Exchange,
			Symbol:    t.Symbol,
			Timestamp: t.Timestamp.UnixMilli(),
			Price:     t.Price.String(),
			Quantity:  t.Quantity.String(),
			Side:      string(t.Side),
			TradeID:   t.TradeID,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *TradeArchiver) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.config.Archive.Compression,
			"tradeflow-version": a.config.Tradeflow.Version,
		},
	}

	// shutdown flushes must complete even though the run context is gone
	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}
