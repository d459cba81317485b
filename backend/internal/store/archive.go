package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// SessionArchive 会话销毁时的最终文档。同一会话同一版本只存一份。
type SessionArchive struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"size:64;not null;uniqueIndex:uk_session_revision,priority:1" json:"sessionId"`
	Revision  uint64    `gorm:"not null;uniqueIndex:uk_session_revision,priority:2" json:"revision"`
	Filename  string    `gorm:"size:255" json:"filename"`
	Language  string    `gorm:"size:64" json:"language"`
	Content   string    `gorm:"type:longtext" json:"content"`
	Reason    string    `gorm:"size:32" json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	ClosedAt  time.Time `gorm:"index" json:"closedAt"`
}

func (SessionArchive) TableName() string { return "session_archives" }

type ArchiveStore struct {
	db *gorm.DB
}

func NewArchiveStore(db *gorm.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

// Archive 重复写入同一 (sessionId, revision) 视为成功
func (s *ArchiveStore) Archive(ctx context.Context, rec SessionArchive) error {
	err := s.db.WithContext(ctx).Create(&rec).Error
	if err != nil && !isDuplicateKey(err) {
		return err
	}
	return nil
}

// Latest 返回会话最近一次归档；没有记录时返回 nil, nil
func (s *ArchiveStore) Latest(ctx context.Context, sessionID string) (*SessionArchive, error) {
	var rec SessionArchive
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("revision DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
