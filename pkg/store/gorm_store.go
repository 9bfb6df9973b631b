package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"formbot/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51820417

// SQLitePrefix selects the SQLite dialect when a DSN starts with it.
const SQLitePrefix = "sqlite://"

const sqliteDefaultParams = "_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"

// serialization_failure
const pgSerializationFailure = "40001"

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	gormTx
	txOptions *sql.TxOptions
}

// NewGormStore opens the DB and runs auto-migrations. DSNs beginning with
// sqlite:// open a SQLite file; everything else is handed to Postgres.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	dialector, isPostgres := openDialector(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &SubmissionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	s := &GormStore{gormTx: gormTx{db: db}}
	if isPostgres {
		err = withMigrationLock(db, migrate)
		s.txOptions = &sql.TxOptions{Isolation: sql.LevelSerializable}
	} else {
		// BEGIN IMMEDIATE already serializes SQLite writers.
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openDialector(dsn string) (gorm.Dialector, bool) {
	if strings.HasPrefix(dsn, SQLitePrefix) {
		path := strings.TrimPrefix(dsn, SQLitePrefix)
		if !strings.Contains(path, "?") {
			path += "?" + sqliteDefaultParams
		}
		return sqlite.Open(path), false
	}
	return postgres.Open(dsn), true
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

// InTx runs fn in one transaction. On Postgres the transaction is
// SERIALIZABLE; a serialization failure is reported as ErrConflict.
func (s *GormStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{db: tx})
	}, s.txOptions)
	if isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// gormTx implements Tx on either the root handle or an open transaction.
type gormTx struct {
	db *gorm.DB
}

// GetOrCreateProfile loads the profile, creating it in the initial state on
// first contact.
func (t gormTx) GetOrCreateProfile(ctx context.Context, userID int64, displayName string, initial domain.ConversationState) (domain.UserProfile, error) {
	var model UserModel
	err := t.db.WithContext(ctx).First(&model, "chat_id = ?", userID).Error
	if err == nil {
		return profileFromModel(model), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.UserProfile{}, err
	}
	now := time.Now().UTC()
	model = UserModel{
		ChatID:    userID,
		Username:  displayName,
		State:     string(initial),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return domain.UserProfile{}, fmt.Errorf("create profile: %w", err)
	}
	if err := t.db.WithContext(ctx).First(&model, "chat_id = ?", userID).Error; err != nil {
		return domain.UserProfile{}, err
	}
	return profileFromModel(model), nil
}

// SaveProfile stores or updates a profile.
func (t gormTx) SaveProfile(ctx context.Context, p domain.UserProfile) error {
	model := profileToModel(p)
	model.UpdatedAt = time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = model.UpdatedAt
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "state", "updated_at"}),
	}).Create(&model).Error
}

// CreateSubmission inserts a new row and returns its assigned ID.
func (t gormTx) CreateSubmission(ctx context.Context, s domain.Submission) (int64, error) {
	model := submissionToModel(s)
	model.ID = 0
	if err := t.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, err
	}
	return model.ID, nil
}

// ListSubmissionsByUser returns the user's submissions, newest first.
func (t gormTx) ListSubmissionsByUser(ctx context.Context, userID int64) ([]domain.Submission, error) {
	return t.listSubmissions(ctx, "id DESC", "user_id = ?", userID)
}

// UpdateSubmission overwrites the mutable fields of an existing row.
func (t gormTx) UpdateSubmission(ctx context.Context, s domain.Submission) error {
	res := t.db.WithContext(ctx).Model(&SubmissionModel{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"name":      s.Name,
			"email":     s.Email,
			"rating":    s.Rating,
			"completed": s.Completed,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubmission removes a row by ID.
func (t gormTx) DeleteSubmission(ctx context.Context, id int64) error {
	return t.db.WithContext(ctx).Delete(&SubmissionModel{}, "id = ?", id).Error
}

// ListIncompleteOlderThan returns incomplete rows created before threshold.
func (t gormTx) ListIncompleteOlderThan(ctx context.Context, threshold time.Time) ([]domain.Submission, error) {
	return t.listSubmissions(ctx, "id ASC", "completed = ? AND created_at < ?", false, threshold.UTC())
}

// ListCompleted returns every completed row in creation order.
func (t gormTx) ListCompleted(ctx context.Context) ([]domain.Submission, error) {
	return t.listSubmissions(ctx, "id ASC", "completed = ?", true)
}

func (t gormTx) listSubmissions(ctx context.Context, order string, conds ...any) ([]domain.Submission, error) {
	var models []SubmissionModel
	tx := t.db.WithContext(ctx).Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Submission, 0, len(models))
	for _, m := range models {
		res = append(res, submissionFromModel(m))
	}
	return res, nil
}

func profileToModel(p domain.UserProfile) UserModel {
	return UserModel{
		ChatID:    p.UserID,
		Username:  p.DisplayName,
		State:     string(p.State),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func profileFromModel(m UserModel) domain.UserProfile {
	state := domain.ConversationState(m.State)
	if !state.Valid() {
		state = domain.StateIdle
	}
	return domain.UserProfile{
		UserID:      m.ChatID,
		DisplayName: m.Username,
		State:       state,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func submissionToModel(s domain.Submission) SubmissionModel {
	return SubmissionModel{
		ID:        s.ID,
		UserID:    s.UserID,
		Name:      s.Name,
		Email:     s.Email,
		Rating:    s.Rating,
		CreatedAt: s.CreatedAt.UTC(),
		Completed: s.Completed,
	}
}

func submissionFromModel(m SubmissionModel) domain.Submission {
	return domain.Submission{
		ID:        m.ID,
		UserID:    m.UserID,
		Name:      m.Name,
		Email:     m.Email,
		Rating:    m.Rating,
		CreatedAt: m.CreatedAt,
		Completed: m.Completed,
	}
}
