package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	widget "github.com/supportline/widget-go"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is a visitor's support thread.
type Conversation struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	VisitorID      string `gorm:"index"`
	CustomerName   string
	CreatedAt      time.Time
}

// Message is a stored chat message. CreatedUnix orders and filters messages
// at microsecond precision.
type Message struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	Content        string
	SenderType     string
	SenderName     string
	IsRead         bool
	CreatedUnix    int64 `gorm:"index"`
}

// RefreshToken maps an opaque refresh token to its user.
type RefreshToken struct {
	Token     string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	CreatedAt time.Time
}

func (m *Message) createdAt() time.Time { return time.UnixMicro(m.CreatedUnix).UTC() }

// Record returns m in the camelCase shape of the persistence API.
func (m *Message) Record() map[string]any {
	status := widget.StatusSent
	if m.IsRead {
		status = widget.StatusRead
	}
	return map[string]any{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"content":        m.Content,
		"senderType":     m.SenderType,
		"senderName":     m.SenderName,
		"createdAt":      m.createdAt().Format(time.RFC3339Nano),
		"status":         status,
	}
}

// Row returns m in the snake_case shape of a database change event.
func (m *Message) Row() map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"content":         m.Content,
		"sender_type":     m.SenderType,
		"sender_name":     m.SenderName,
		"is_read":         m.IsRead,
		"created_at":      m.createdAt().Format(time.RFC3339Nano),
	}
}

// Store persists conversations and messages with gorm.
type Store struct {
	db *gorm.DB
}

// OpenStore opens dsn (":memory:" or a file path) and migrates the schema.
func OpenStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection keeps one shared in-memory database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Conversation{}, &Message{}, &RefreshToken{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateConversation(ctx context.Context, org, visitor, customer string) (*Conversation, error) {
	c := &Conversation{
		ID:             uuid.NewString(),
		OrganizationID: org,
		VisitorID:      visitor,
		CustomerName:   customer,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountConversations returns how many conversations org has.
func (s *Store) CountConversations(ctx context.Context, org string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Conversation{}).Where("organization_id = ?", org).Count(&n).Error
	return n, err
}

func (s *Store) InsertMessage(ctx context.Context, conversationID, content string, sender widget.SenderType, senderName string) (*Message, error) {
	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		SenderType:     string(sender),
		SenderName:     senderName,
		CreatedUnix:    time.Now().UTC().UnixMicro(),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the messages of a conversation created after after,
// oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, after time.Time) ([]Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !after.IsZero() {
		q = q.Where("created_unix > ?", after.UnixMicro())
	}
	var msgs []Message
	err := q.Order("created_unix asc, rowid asc").Find(&msgs).Error
	return msgs, err
}

// MarkRead marks ids read, or every message not sent by the reader's side
// when ids is empty.
func (s *Store) MarkRead(ctx context.Context, conversationID string, ids []string, readerSide widget.SenderType) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Message{}).Where("conversation_id = ? AND is_read = ?", conversationID, false)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	} else {
		q = q.Where("sender_type <> ?", string(readerSide))
	}
	res := q.Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (s *Store) SaveRefreshToken(ctx context.Context, token, userID string) error {
	return s.db.WithContext(ctx).Create(&RefreshToken{Token: token, UserID: userID, CreatedAt: time.Now().UTC()}).Error
}

// ConsumeRefreshToken deletes token and returns its user. Refresh tokens are
// single use.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	var rt RefreshToken
	err := s.db.WithContext(ctx).First(&rt, "token = ?", token).Error
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Delete(&rt).Error; err != nil {
		return "", err
	}
	return rt.UserID, nil
}
