package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"request-network/internal/apperrors"
	"request-network/internal/metrics"
	"request-network/internal/models"
)

// SecretBox seals the FTP password at rest.
type SecretBox interface {
	EncryptSecret(plain string) (string, error)
	DecryptSecret(sealed string) (string, error)
}

type Options struct {
	MaxAttempts int
	LockTTL     time.Duration
	Backoff     time.Duration
}

// Result describes one successful export run.
type Result struct {
	Kind       string        `json:"kind"`
	TotalCount int           `json:"total_count"`
	Location   string        `json:"location"`
	ExportedAt time.Time     `json:"exported_at"`
	Duration   time.Duration `json:"duration_ns"`
}

type Coordinator struct {
	db      *gorm.DB
	secrets SecretBox
	opts    Options
	log     *zap.Logger
	now     func() time.Time

	// NewDestination builds the destination for a stored config. Replaced in
	// tests.
	NewDestination func(cfg *models.ExportConfig) (Destination, error)
}

func NewCoordinator(db *gorm.DB, secrets SecretBox, opts Options, log *zap.Logger) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{db: db, secrets: secrets, opts: opts, log: log, now: time.Now}
	c.NewDestination = c.destinationFor
	return c
}

func (c *Coordinator) destinationFor(cfg *models.ExportConfig) (Destination, error) {
	switch cfg.DestinationType {
	case DestinationLocal:
		return &LocalDestination{Root: cfg.LocalPath}, nil
	case DestinationFTP:
		password := cfg.FTPPassword
		if password != "" && c.secrets != nil {
			var err error
			if password, err = c.secrets.DecryptSecret(password); err != nil {
				return nil, fmt.Errorf("decrypt ftp password: %w", err)
			}
		}
		return &FTPDestination{
			Host:     cfg.FTPHost,
			Port:     cfg.FTPPort,
			Username: cfg.FTPUsername,
			Password: password,
			Path:     cfg.FTPPath,
			UseTLS:   cfg.FTPUseTLS,
		}, nil
	}
	return nil, apperrors.Validation("invalid_destination", fmt.Sprintf("unsupported destination type %q", cfg.DestinationType))
}

// GetConfig returns the stored configuration, creating the default row if
// none exists yet.
func (c *Coordinator) GetConfig(ctx context.Context) (*models.ExportConfig, error) {
	cfg := &models.ExportConfig{ID: 1}
	err := c.db.WithContext(ctx).
		Attrs(models.ExportConfig{Format: FormatJSON, DestinationType: DestinationLocal, Kinds: joinKinds(AllKinds)}).
		FirstOrCreate(cfg, models.ExportConfig{ID: 1}).Error
	if err != nil {
		return nil, fmt.Errorf("load export config: %w", err)
	}
	return cfg, nil
}

// Configure validates and stores a new configuration.
func (c *Coordinator) Configure(ctx context.Context, in ConfigInput) (*models.ExportConfig, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	cfg.Enabled = in.Enabled
	cfg.Format = in.Format
	cfg.DestinationType = in.DestinationType
	cfg.LocalPath = in.LocalPath
	cfg.FTPHost = in.FTPHost
	cfg.FTPPort = in.FTPPort
	cfg.FTPUsername = in.FTPUsername
	cfg.FTPPath = in.FTPPath
	cfg.FTPUseTLS = in.FTPUseTLS
	cfg.Schedule = in.Schedule
	cfg.Kinds = joinKinds(in.Kinds)
	cfg.UsersActiveOnly = in.UsersActiveOnly

	if in.FTPPassword != "" {
		sealed := in.FTPPassword
		if c.secrets != nil {
			if sealed, err = c.secrets.EncryptSecret(in.FTPPassword); err != nil {
				return nil, fmt.Errorf("encrypt ftp password: %w", err)
			}
		}
		cfg.FTPPassword = sealed
	}

	if err := c.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return nil, fmt.Errorf("save export config: %w", err)
	}
	c.log.Info("export configuration updated",
		zap.String("destination", cfg.DestinationType),
		zap.String("format", cfg.Format),
		zap.String("kinds", cfg.Kinds))
	return cfg, nil
}

// CheckDestination connects to the configured destination without writing
// an export.
func (c *Coordinator) CheckDestination(ctx context.Context) error {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return err
	}
	dest, err := c.NewDestination(cfg)
	if err != nil {
		return err
	}
	if err := dest.Check(ctx); err != nil {
		return apperrors.ExportFailure("destination_unreachable", err)
	}
	return nil
}

// RunExport exports one kind. It returns ErrExportRunning if another run of
// the same kind holds the lease. A failed run records its error but leaves
// the last successful exported_at and location untouched.
func (c *Coordinator) RunExport(ctx context.Context, kind string) (*Result, error) {
	if !ValidKind(kind) {
		return nil, apperrors.Validation("invalid_kind", fmt.Sprintf("unknown export kind %q", kind))
	}
	if err := c.acquire(ctx, kind); err != nil {
		return nil, err
	}

	started := c.now()
	res, err := c.run(ctx, kind, started)

	updates := map[string]interface{}{"running": false, "started_at": nil}
	if err != nil {
		updates["error"] = err.Error()
		metrics.ExportRunsTotal.WithLabelValues(kind, "failed").Inc()
		c.log.Error("export failed", zap.String("kind", kind), zap.Error(err))
	} else {
		updates["error"] = ""
		updates["total_count"] = res.TotalCount
		updates["exported_at"] = res.ExportedAt
		updates["location"] = res.Location
		metrics.ExportRunsTotal.WithLabelValues(kind, "succeeded").Inc()
		c.log.Info("export finished",
			zap.String("kind", kind),
			zap.Int("total_count", res.TotalCount),
			zap.String("location", res.Location),
			zap.Duration("duration", res.Duration))
	}

	rerr := c.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ExportStatus{}).
		Where("kind = ?", kind).Updates(updates).Error
	if rerr != nil {
		c.log.Error("failed to release export lease", zap.String("kind", kind), zap.Error(rerr))
	}

	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.ExportFailure("export_failed", err)
	}
	return res, nil
}

// acquire takes the running flag for kind. A flag older than the lock TTL
// is treated as abandoned by a crashed run.
func (c *Coordinator) acquire(ctx context.Context, kind string) error {
	db := c.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ExportStatus{Kind: kind}).Error
	if err != nil {
		return fmt.Errorf("init export status: %w", err)
	}

	now := c.now()
	res := db.Model(&models.ExportStatus{}).
		Where("kind = ? AND (running = ? OR started_at < ?)", kind, false, now.Add(-c.opts.LockTTL)).
		Updates(map[string]interface{}{"running": true, "started_at": now})
	if res.Error != nil {
		return fmt.Errorf("acquire export lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", kind, apperrors.ErrExportRunning)
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, kind string, started time.Time) (*Result, error) {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	records, err := collect(ctx, c.db, kind, cfg)
	if err != nil {
		return nil, err
	}
	data, err := encode(cfg.Format, records)
	if err != nil {
		return nil, fmt.Errorf("encode %s export: %w", kind, err)
	}
	dest, err := c.NewDestination(cfg)
	if err != nil {
		return nil, err
	}

	var location string
	op := func() error {
		loc, err := dest.Write(ctx, kind, cfg.Format, data, started)
		if err != nil {
			c.log.Warn("export write attempt failed", zap.String("kind", kind), zap.Error(err))
			return err
		}
		location = loc
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Backoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, apperrors.ExportFailure("destination_write_failed", err)
	}

	finished := c.now()
	return &Result{
		Kind:       kind,
		TotalCount: len(records),
		Location:   location,
		ExportedAt: finished,
		Duration:   finished.Sub(started),
	}, nil
}

// Status returns the status of every kind. Kinds that never ran have a nil
// ExportedAt.
func (c *Coordinator) Status(ctx context.Context) ([]models.ExportStatus, error) {
	var rows []models.ExportStatus
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load export status: %w", err)
	}
	byKind := make(map[string]models.ExportStatus, len(rows))
	for _, r := range rows {
		byKind[r.Kind] = r
	}

	out := make([]models.ExportStatus, 0, len(AllKinds))
	for _, k := range AllKinds {
		if s, ok := byKind[k]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, models.ExportStatus{Kind: k})
	}
	return out, nil
}

// KindStatus returns the status of one kind.
func (c *Coordinator) KindStatus(ctx context.Context, kind string) (*models.ExportStatus, error) {
	if !ValidKind(kind) {
		return nil, apperrors.Validation("invalid_kind", fmt.Sprintf("unknown export kind %q", kind))
	}
	status := &models.ExportStatus{Kind: kind}
	err := c.db.WithContext(ctx).Where("kind = ?", kind).Take(status).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load export status: %w", err)
	}
	return status, nil
}

// EnabledKinds returns the kinds a bulk run exports, or nil when exports
// are disabled.
func (c *Coordinator) EnabledKinds(ctx context.Context) ([]string, error) {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}
	return SplitKinds(cfg.Kinds), nil
}
