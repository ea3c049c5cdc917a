package services

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/RsrRuso/cocktailsop-sub010/models"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"gorm.io/gorm"
)

// NotificationService pushes message alerts to members who are not connected.
type NotificationService struct {
	db *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// NotificationData is the deep-link payload attached to every push.
type NotificationData struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	Screen         string `json:"screen"`
}

// getUserPushTokens retrieves all push tokens for a user
func (ns *NotificationService) getUserPushTokens(userID uint) ([]string, error) {
	var user models.User
	if err := ns.db.First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("user not found: %v", err)
	}
	if user.AllowsNotifications == nil || !*user.AllowsNotifications || user.PushTokens == nil {
		return nil, nil
	}

	var tokens []string
	if err := json.Unmarshal(user.PushTokens, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push tokens: %v", err)
	}
	return tokens, nil
}

// SendNotificationToUser fans one alert out to all of a user's devices.
func (ns *NotificationService) SendNotificationToUser(userID uint, title, body string, data NotificationData) error {
	tokens, err := ns.getUserPushTokens(userID)
	if err != nil {
		return err
	}

	dataMap := map[string]string{
		"type":           data.Type,
		"conversationId": data.ConversationID,
		"messageId":      data.MessageID,
		"senderId":       data.SenderID,
		"screen":         data.Screen,
	}

	var lastError error
	for _, token := range tokens {
		if err := utils.SendNotification(token, title, body, dataMap); err != nil {
			log.Printf("Failed to send notification to token %s: %v", token, err)
			lastError = err
		}
	}
	return lastError
}

// NotifyNewMessage alerts every member of the conversation except the sender.
// Delivery is best effort; the change feed remains the source of truth.
func (ns *NotificationService) NotifyNewMessage(msg *models.Message) {
	var conv models.Conversation
	if err := ns.db.Preload("Members").First(&conv, msg.ConversationID).Error; err != nil {
		log.Printf("notify: conversation %d not found: %v", msg.ConversationID, err)
		return
	}
	var sender models.User
	if err := ns.db.First(&sender, msg.SenderID).Error; err != nil {
		log.Printf("notify: sender %d not found: %v", msg.SenderID, err)
		return
	}

	title := sender.FullName()
	if conv.Kind == "group" && conv.Name != "" {
		title = fmt.Sprintf("%s · %s", conv.Name, sender.FullName())
	}
	body := previewText(msg)

	data := NotificationData{
		Type:           "message_received",
		ConversationID: strconv.FormatUint(uint64(msg.ConversationID), 10),
		MessageID:      strconv.FormatUint(uint64(msg.ID), 10),
		SenderID:       strconv.FormatUint(uint64(msg.SenderID), 10),
		Screen:         "Conversation",
	}

	for _, m := range conv.Members {
		if m.UserID == msg.SenderID || m.Archived {
			continue
		}
		if err := ns.SendNotificationToUser(m.UserID, title, body, data); err != nil {
			log.Printf("notify: push to user %d failed: %v", m.UserID, err)
		}
	}
}

func previewText(msg *models.Message) string {
	if msg.Content != nil && *msg.Content != "" {
		if r := []rune(*msg.Content); len(r) > 120 {
			return string(r[:120])
		}
		return *msg.Content
	}
	switch msg.Type {
	case "image":
		return "📷 Photo"
	case "video":
		return "🎥 Video"
	case "voice", "audio":
		return "🎤 Voice message"
	case "document":
		return "📄 Document"
	}
	return "New message"
}
