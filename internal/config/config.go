// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config holds the typed runtime configuration for the coordinator
// and worker daemons. Precedence: environment > config file > defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// QueueMode selects the job queue backend.
type QueueMode string

const (
	QueueModeDatabase QueueMode = "database"
	QueueModeRedis    QueueMode = "redis"
	QueueModeHybrid   QueueMode = "hybrid"
)

// StreamFormat selects the HLS packaging variant.
type StreamFormat string

const (
	FormatHLSTS StreamFormat = "hls-ts"
	FormatCMAF  StreamFormat = "cmaf"
)

// HWAccelType selects the hardware acceleration backend.
type HWAccelType string

const (
	HWAccelAuto   HWAccelType = "auto"
	HWAccelNvidia HWAccelType = "nvidia"
	HWAccelIntel  HWAccelType = "intel"
	HWAccelNone   HWAccelType = "none"
)

// Paths groups the on-disk layout options.
type Paths struct {
	DataDir       string `yaml:"dataDir"`
	VideosSubdir  string `yaml:"videosSubdir"`
	UploadsSubdir string `yaml:"uploadsSubdir"`
	ArchiveSubdir string `yaml:"archiveSubdir"`
	DatabasePath  string `yaml:"databasePath"`
}

// VideosDir returns the absolute videos directory.
func (p Paths) VideosDir() string { return filepath.Join(p.DataDir, p.VideosSubdir) }

// UploadsDir returns the absolute uploads directory.
func (p Paths) UploadsDir() string { return filepath.Join(p.DataDir, p.UploadsSubdir) }

// ArchiveDir returns the absolute archive directory.
func (p Paths) ArchiveDir() string { return filepath.Join(p.DataDir, p.ArchiveSubdir) }

// Queue groups the job queue options.
type Queue struct {
	Mode           QueueMode     `yaml:"mode"`
	RedisAddr      string        `yaml:"redisAddr"`
	RedisPassword  string        `yaml:"redisPassword"`
	RedisDB        int           `yaml:"redisDB"`
	StreamPrefix   string        `yaml:"streamPrefix"`
	PendingTimeout time.Duration `yaml:"pendingTimeout"`
	BlockDuration  time.Duration `yaml:"blockDuration"`
	StreamMaxLen   int64         `yaml:"streamMaxLen"`
	DeadLetterMax  int64         `yaml:"deadLetterMax"`
}

// Worker groups the worker lifecycle options.
type Worker struct {
	Name              string        `yaml:"name"`
	CoordinatorURL    string        `yaml:"coordinatorURL"`
	APIKey            string        `yaml:"apiKey"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	ClaimDuration     time.Duration `yaml:"claimDuration"`
	OfflineThreshold  time.Duration `yaml:"offlineThreshold"`
	WorkDir           string        `yaml:"workDir"`
}

// Transcoding groups the pipeline options.
type Transcoding struct {
	FFmpegBin              string        `yaml:"ffmpegBin"`
	FFprobeBin             string        `yaml:"ffprobeBin"`
	SegmentDuration        int           `yaml:"segmentDuration"`
	Format                 StreamFormat  `yaml:"format"`
	EncodeTimeoutMin       time.Duration `yaml:"encodeTimeoutMin"`
	EncodeTimeoutMax       time.Duration `yaml:"encodeTimeoutMax"`
	EncodeTimeoutBaseMult  float64       `yaml:"encodeTimeoutBaseMult"`
	EncodeTimeoutResMult   float64       `yaml:"encodeTimeoutResMult"`
	ParallelQualities      int           `yaml:"parallelQualities"` // 0 = auto from GPU session limit
	KeepCompletedQualities bool          `yaml:"keepCompletedQualities"`
	CleanupOnFailure       bool          `yaml:"cleanupOnFailure"`
	MaxDuration            time.Duration `yaml:"maxDuration"`
	MaxAttempts            int           `yaml:"maxAttempts"`
}

// Hardware groups the acceleration options.
type Hardware struct {
	Accel          HWAccelType `yaml:"accel"`
	PreferredCodec string      `yaml:"preferredCodec"` // h264, hevc, av1
}

// Limits groups the safety caps.
type Limits struct {
	MaxUploadSize    int64         `yaml:"maxUploadSize"`
	MaxFileSize      int64         `yaml:"maxFileSize"`
	MaxArchiveSize   int64         `yaml:"maxArchiveSize"`
	ExtractTimeout   time.Duration `yaml:"extractTimeout"`
	ArchiveRetention time.Duration `yaml:"archiveRetention"`
	ProgressInterval time.Duration `yaml:"progressInterval"`
}

// Server groups the HTTP surface options.
type Server struct {
	ListenAddr     string `yaml:"listenAddr"`
	MetricsAddr    string `yaml:"metricsAddr"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	TrustedProxies string `yaml:"trustedProxies"` // CSV of CIDRs
	AdminToken     string `yaml:"adminToken"`
	RegisterOpen   bool   `yaml:"registerOpen"` // open /register vs admin-gated
	AlertWebhook   string `yaml:"alertWebhook"`
}

// Janitor groups the periodic maintenance options.
type Janitor struct {
	Interval     time.Duration `yaml:"interval"`
	OrphanGrace  time.Duration `yaml:"orphanGrace"`
	StartupGrace time.Duration `yaml:"startupGrace"`
}

// Config is the complete runtime configuration.
type Config struct {
	LogLevel    string      `yaml:"logLevel"`
	Paths       Paths       `yaml:"paths"`
	Queue       Queue       `yaml:"queue"`
	Worker      Worker      `yaml:"worker"`
	Transcoding Transcoding `yaml:"transcoding"`
	Hardware    Hardware    `yaml:"hardware"`
	Limits      Limits      `yaml:"limits"`
	Server      Server      `yaml:"server"`
	Janitor     Janitor     `yaml:"janitor"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Paths: Paths{
			DataDir:       "/var/lib/vodforge",
			VideosSubdir:  "videos",
			UploadsSubdir: "uploads",
			ArchiveSubdir: "archive",
			DatabasePath:  "", // derived from DataDir when empty
		},
		Queue: Queue{
			Mode:           QueueModeHybrid,
			RedisAddr:      "",
			StreamPrefix:   "vodforge:jobs",
			PendingTimeout: 60 * time.Second,
			BlockDuration:  5 * time.Second,
			StreamMaxLen:   10000,
			DeadLetterMax:  1000,
		},
		Worker: Worker{
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      10 * time.Second,
			ClaimDuration:     30 * time.Minute,
			OfflineThreshold:  5 * time.Minute,
			WorkDir:           "",
		},
		Transcoding: Transcoding{
			FFmpegBin:              "ffmpeg",
			FFprobeBin:             "ffprobe",
			SegmentDuration:        6,
			Format:                 FormatHLSTS,
			EncodeTimeoutMin:       300 * time.Second,
			EncodeTimeoutMax:       3600 * time.Second,
			EncodeTimeoutBaseMult:  2.0,
			EncodeTimeoutResMult:   1.0,
			ParallelQualities:      0,
			KeepCompletedQualities: true,
			CleanupOnFailure:       true,
			MaxDuration:            7 * 24 * time.Hour,
			MaxAttempts:            3,
		},
		Hardware: Hardware{
			Accel:          HWAccelAuto,
			PreferredCodec: "h264",
		},
		Limits: Limits{
			MaxUploadSize:    32 << 30, // 32 GiB
			MaxFileSize:      2 << 30,  // 2 GiB per archive member
			MaxArchiveSize:   16 << 30,
			ExtractTimeout:   60 * time.Second,
			ArchiveRetention: 30 * 24 * time.Hour,
			ProgressInterval: 5 * time.Second,
		},
		Server: Server{
			ListenAddr:     ":8080",
			MetricsAddr:    ":9090",
			MetricsEnabled: true,
			RegisterOpen:   true,
		},
		Janitor: Janitor{
			Interval:     60 * time.Second,
			OrphanGrace:  24 * time.Hour,
			StartupGrace: 1 * time.Hour,
		},
	}
}

// FromEnv overlays environment variables onto cfg.
func FromEnv(cfg Config) Config {
	cfg.LogLevel = ParseString("VODFORGE_LOG_LEVEL", cfg.LogLevel)

	cfg.Paths.DataDir = ParseString("VODFORGE_DATA", cfg.Paths.DataDir)
	cfg.Paths.VideosSubdir = ParseString("VODFORGE_VIDEOS_SUBDIR", cfg.Paths.VideosSubdir)
	cfg.Paths.UploadsSubdir = ParseString("VODFORGE_UPLOADS_SUBDIR", cfg.Paths.UploadsSubdir)
	cfg.Paths.ArchiveSubdir = ParseString("VODFORGE_ARCHIVE_SUBDIR", cfg.Paths.ArchiveSubdir)
	cfg.Paths.DatabasePath = ParseString("VODFORGE_DB_PATH", cfg.Paths.DatabasePath)

	cfg.Queue.Mode = QueueMode(ParseString("VODFORGE_JOB_QUEUE_MODE", string(cfg.Queue.Mode)))
	cfg.Queue.RedisAddr = ParseString("VODFORGE_REDIS_ADDR", cfg.Queue.RedisAddr)
	cfg.Queue.RedisPassword = ParseString("VODFORGE_REDIS_PASSWORD", cfg.Queue.RedisPassword)
	cfg.Queue.RedisDB = ParseInt("VODFORGE_REDIS_DB", cfg.Queue.RedisDB)
	cfg.Queue.StreamPrefix = ParseString("VODFORGE_STREAM_PREFIX", cfg.Queue.StreamPrefix)
	cfg.Queue.PendingTimeout = ParseDuration("VODFORGE_PENDING_TIMEOUT", cfg.Queue.PendingTimeout)
	cfg.Queue.BlockDuration = ParseDuration("VODFORGE_BLOCK_DURATION", cfg.Queue.BlockDuration)
	cfg.Queue.StreamMaxLen = ParseInt64("VODFORGE_STREAM_MAXLEN", cfg.Queue.StreamMaxLen)
	cfg.Queue.DeadLetterMax = ParseInt64("VODFORGE_DEADLETTER_MAX", cfg.Queue.DeadLetterMax)

	cfg.Worker.Name = ParseString("VODFORGE_WORKER_NAME", cfg.Worker.Name)
	cfg.Worker.CoordinatorURL = ParseString("VODFORGE_COORDINATOR_URL", cfg.Worker.CoordinatorURL)
	cfg.Worker.APIKey = ParseString("VODFORGE_WORKER_API_KEY", cfg.Worker.APIKey)
	cfg.Worker.HeartbeatInterval = ParseDuration("VODFORGE_HEARTBEAT_INTERVAL", cfg.Worker.HeartbeatInterval)
	cfg.Worker.PollInterval = ParseDuration("VODFORGE_POLL_INTERVAL", cfg.Worker.PollInterval)
	cfg.Worker.ClaimDuration = ParseDuration("VODFORGE_CLAIM_DURATION", cfg.Worker.ClaimDuration)
	cfg.Worker.OfflineThreshold = ParseDuration("VODFORGE_OFFLINE_THRESHOLD", cfg.Worker.OfflineThreshold)
	cfg.Worker.WorkDir = ParseString("VODFORGE_WORK_DIR", cfg.Worker.WorkDir)

	cfg.Transcoding.FFmpegBin = ParseString("VODFORGE_FFMPEG_BIN", cfg.Transcoding.FFmpegBin)
	cfg.Transcoding.FFprobeBin = ParseString("VODFORGE_FFPROBE_BIN", cfg.Transcoding.FFprobeBin)
	cfg.Transcoding.SegmentDuration = ParseInt("VODFORGE_SEGMENT_DURATION", cfg.Transcoding.SegmentDuration)
	cfg.Transcoding.Format = StreamFormat(ParseString("VODFORGE_STREAM_FORMAT", string(cfg.Transcoding.Format)))
	cfg.Transcoding.EncodeTimeoutMin = ParseDuration("VODFORGE_ENCODE_TIMEOUT_MIN", cfg.Transcoding.EncodeTimeoutMin)
	cfg.Transcoding.EncodeTimeoutMax = ParseDuration("VODFORGE_ENCODE_TIMEOUT_MAX", cfg.Transcoding.EncodeTimeoutMax)
	cfg.Transcoding.EncodeTimeoutBaseMult = ParseFloat("VODFORGE_ENCODE_TIMEOUT_BASE_MULT", cfg.Transcoding.EncodeTimeoutBaseMult)
	cfg.Transcoding.EncodeTimeoutResMult = ParseFloat("VODFORGE_ENCODE_TIMEOUT_RES_MULT", cfg.Transcoding.EncodeTimeoutResMult)
	cfg.Transcoding.ParallelQualities = ParseInt("VODFORGE_PARALLEL_QUALITIES", cfg.Transcoding.ParallelQualities)
	cfg.Transcoding.KeepCompletedQualities = ParseBool("VODFORGE_KEEP_COMPLETED_QUALITIES", cfg.Transcoding.KeepCompletedQualities)
	cfg.Transcoding.CleanupOnFailure = ParseBool("VODFORGE_CLEANUP_ON_FAILURE", cfg.Transcoding.CleanupOnFailure)
	cfg.Transcoding.MaxDuration = ParseDuration("VODFORGE_MAX_DURATION", cfg.Transcoding.MaxDuration)
	cfg.Transcoding.MaxAttempts = ParseInt("VODFORGE_MAX_ATTEMPTS", cfg.Transcoding.MaxAttempts)

	cfg.Hardware.Accel = HWAccelType(ParseString("VODFORGE_HWACCEL", string(cfg.Hardware.Accel)))
	cfg.Hardware.PreferredCodec = ParseString("VODFORGE_PREFERRED_CODEC", cfg.Hardware.PreferredCodec)

	cfg.Limits.MaxUploadSize = ParseInt64("VODFORGE_MAX_UPLOAD_SIZE", cfg.Limits.MaxUploadSize)
	cfg.Limits.MaxFileSize = ParseInt64("VODFORGE_MAX_FILE_SIZE", cfg.Limits.MaxFileSize)
	cfg.Limits.MaxArchiveSize = ParseInt64("VODFORGE_MAX_ARCHIVE_SIZE", cfg.Limits.MaxArchiveSize)
	cfg.Limits.ExtractTimeout = ParseDuration("VODFORGE_EXTRACT_TIMEOUT", cfg.Limits.ExtractTimeout)
	cfg.Limits.ArchiveRetention = ParseDuration("VODFORGE_ARCHIVE_RETENTION", cfg.Limits.ArchiveRetention)
	cfg.Limits.ProgressInterval = ParseDuration("VODFORGE_PROGRESS_INTERVAL", cfg.Limits.ProgressInterval)

	cfg.Server.ListenAddr = ParseString("VODFORGE_LISTEN", cfg.Server.ListenAddr)
	cfg.Server.MetricsAddr = ParseString("VODFORGE_METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.MetricsEnabled = ParseBool("VODFORGE_METRICS_ENABLED", cfg.Server.MetricsEnabled)
	cfg.Server.TrustedProxies = ParseString("VODFORGE_TRUSTED_PROXIES", cfg.Server.TrustedProxies)
	cfg.Server.AdminToken = ParseString("VODFORGE_ADMIN_TOKEN", cfg.Server.AdminToken)
	cfg.Server.RegisterOpen = ParseBool("VODFORGE_REGISTER_OPEN", cfg.Server.RegisterOpen)
	cfg.Server.AlertWebhook = ParseString("VODFORGE_ALERT_WEBHOOK", cfg.Server.AlertWebhook)

	cfg.Janitor.Interval = ParseDuration("VODFORGE_JANITOR_INTERVAL", cfg.Janitor.Interval)
	cfg.Janitor.OrphanGrace = ParseDuration("VODFORGE_ORPHAN_GRACE", cfg.Janitor.OrphanGrace)
	cfg.Janitor.StartupGrace = ParseDuration("VODFORGE_STARTUP_GRACE", cfg.Janitor.StartupGrace)

	return cfg
}

// DatabasePath returns the effective SQLite path.
func (c Config) DatabasePath() string {
	if c.Paths.DatabasePath != "" {
		return c.Paths.DatabasePath
	}
	return filepath.Join(c.Paths.DataDir, "vodforge.db")
}

// Validate checks enumerations and invariant relations. It returns the first
// violation found.
func (c Config) Validate() error {
	switch c.Queue.Mode {
	case QueueModeDatabase, QueueModeRedis, QueueModeHybrid:
	default:
		return fmt.Errorf("config: invalid queue mode %q (want database, redis or hybrid)", c.Queue.Mode)
	}
	if c.Queue.Mode == QueueModeRedis && strings.TrimSpace(c.Queue.RedisAddr) == "" {
		return fmt.Errorf("config: queue mode %q requires VODFORGE_REDIS_ADDR", c.Queue.Mode)
	}
	switch c.Transcoding.Format {
	case FormatHLSTS, FormatCMAF:
	default:
		return fmt.Errorf("config: invalid stream format %q (want hls-ts or cmaf)", c.Transcoding.Format)
	}
	switch c.Hardware.Accel {
	case HWAccelAuto, HWAccelNvidia, HWAccelIntel, HWAccelNone:
	default:
		return fmt.Errorf("config: invalid hwaccel %q (want auto, nvidia, intel or none)", c.Hardware.Accel)
	}
	switch c.Hardware.PreferredCodec {
	case "h264", "hevc", "av1":
	default:
		return fmt.Errorf("config: invalid preferred codec %q (want h264, hevc or av1)", c.Hardware.PreferredCodec)
	}
	if c.Transcoding.SegmentDuration <= 0 {
		return fmt.Errorf("config: segment duration must be positive, got %d", c.Transcoding.SegmentDuration)
	}
	if c.Transcoding.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1, got %d", c.Transcoding.MaxAttempts)
	}
	if c.Transcoding.EncodeTimeoutMin > c.Transcoding.EncodeTimeoutMax {
		return fmt.Errorf("config: encode timeout min %s exceeds max %s",
			c.Transcoding.EncodeTimeoutMin, c.Transcoding.EncodeTimeoutMax)
	}
	if c.Worker.ClaimDuration <= 0 {
		return fmt.Errorf("config: claim duration must be positive")
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	return nil
}

// ValidateWorker performs the additional checks a remote worker needs before
// startup. Exit-code contract: callers treat a failure here as unrecoverable.
func (c Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Worker.CoordinatorURL) == "" {
		return fmt.Errorf("config: remote worker requires VODFORGE_COORDINATOR_URL")
	}
	return nil
}
