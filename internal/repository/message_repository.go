package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"nestchat-widget-go/internal/model"
)

// MessageRepository 定义了会话消息的持久化操作接口。
// 所有方法都以正式（UUID）会话 ID 为前提，调用方负责先做格式校验。
type MessageRepository interface {
	// FetchConversationMessages 按时间顺序拉取一个会话的全部消息。
	FetchConversationMessages(conversationID string) ([]model.MessageRecord, error)
	// InsertMessage 落库一条消息。
	InsertMessage(record *model.MessageRecord) error
	// MarkMessagesRead 把指定会话中 readerRole 的对端所发的未读消息标记为已读，
	// 返回实际更新的条数。
	MarkMessagesRead(conversationID, readerRole string) (int, error)
}

// messageRepository 是 MessageRepository 接口的 GORM 实现。
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// FetchConversationMessages 按创建时间升序拉取会话的消息记录。
func (r *messageRepository) FetchConversationMessages(conversationID string) ([]model.MessageRecord, error) {
	var records []model.MessageRecord
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation messages: %w", err)
	}
	return records, nil
}

// InsertMessage 在数据库中创建一条消息记录。
func (r *messageRepository) InsertMessage(record *model.MessageRecord) error {
	return r.db.Create(record).Error
}

// MarkMessagesRead 把会话中对端发出的未读消息标记为已读。
// readerRole 为 "user" 时，更新的是 assistant 侧的消息。
// 已读时间写入 metadata 的 read_at 字段，保持与历史拉取的映射一致。
func (r *messageRepository) MarkMessagesRead(conversationID, readerRole string) (int, error) {
	senderRole := model.RoleAssistant
	if readerRole == model.RoleAssistant {
		senderRole = model.RoleUser
	}

	var records []model.MessageRecord
	err := r.db.Where("conversation_id = ? AND role = ?", conversationID, senderRole).
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load messages for read marking: %w", err)
	}

	now := time.Now()
	updated := 0
	for i := range records {
		meta := model.ParseMessageMetadata(records[i].Metadata)
		if meta.ReadAt != nil {
			continue
		}
		meta.ReadAt = &now
		raw, err := json.Marshal(meta)
		if err != nil {
			continue
		}
		err = r.db.Model(&model.MessageRecord{}).
			Where("id = ?", records[i].ID).
			Update("metadata", string(raw)).Error
		if err != nil {
			return updated, fmt.Errorf("failed to mark message %s read: %w", records[i].ID, err)
		}
		updated++
	}
	return updated, nil
}
