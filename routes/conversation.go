package routes

import (
	"net/http"
	"time"

	"github.com/RsrRuso/cocktailsop-sub010/models"
	"github.com/RsrRuso/cocktailsop-sub010/realtime"
	"github.com/RsrRuso/cocktailsop-sub010/services"
	"github.com/RsrRuso/cocktailsop-sub010/storage"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"golang.org/x/exp/slices"
)

// profiles is injected once from main; the batched lookups behind it share
// one FetchCache instance.
var profiles *services.ProfileService

func SetProfileService(p *services.ProfileService) {
	profiles = p
}

type conversationRow struct {
	ID          uint             `json:"id"`
	Kind        string           `json:"kind"`
	Name        string           `json:"name"`
	AvatarURL   string           `json:"avatarURL"`
	Pinned      bool             `json:"pinned"`
	PinnedAt    *time.Time       `json:"pinnedAt,omitempty"`
	Archived    bool             `json:"archived"`
	UnreadCount int64            `json:"unreadCount"`
	LastMessage *lastMessageView `json:"lastMessage,omitempty"`
}

type lastMessageView struct {
	ID         uint      `json:"id"`
	SenderID   uint      `json:"senderID"`
	SenderName string    `json:"senderName"`
	Type       string    `json:"type"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ListConversations: GET /api/conversations?archived=true|false
// Rows come back pinned first (stable by pin time), then by last message
// time descending.
func ListConversations(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	archived := ctx.URLParamDefault("archived", "false") == "true"

	var memberships []models.ConversationMember
	if err := storage.DB.
		Where("user_id = ? AND archived = ?", claims.ID, archived).
		Preload("Conversation").
		Preload("Conversation.Members").
		Find(&memberships).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	convIDs := make([]uint, 0, len(memberships))
	for _, m := range memberships {
		convIDs = append(convIDs, m.ConversationID)
	}

	// Latest message per conversation in one query.
	lastByConv := make(map[uint]models.Message)
	if len(convIDs) > 0 {
		var latest []models.Message
		storage.DB.Raw(`SELECT DISTINCT ON (conversation_id) * FROM messages
			WHERE conversation_id IN ? AND is_deleted = false
			ORDER BY conversation_id, created_at DESC`, convIDs).Scan(&latest)
		for _, m := range latest {
			lastByConv[m.ConversationID] = m
		}
	}

	// Sender names and direct-chat display names resolve in one batched,
	// cached profile lookup.
	profileIDs := make([]uint, 0, len(memberships)*2)
	for _, m := range lastByConv {
		profileIDs = append(profileIDs, m.SenderID)
	}
	for _, m := range memberships {
		if m.Conversation.Kind == "direct" {
			for _, other := range m.Conversation.Members {
				if other.UserID != claims.ID {
					profileIDs = append(profileIDs, other.UserID)
				}
			}
		}
	}
	profileMap, err := profiles.GetProfiles(ctx.Request().Context(), profileIDs)
	if err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	rows := make([]conversationRow, 0, len(memberships))
	for _, m := range memberships {
		conv := m.Conversation
		row := conversationRow{
			ID:        conv.ID,
			Kind:      conv.Kind,
			Name:      conv.Name,
			AvatarURL: conv.AvatarURL,
			Pinned:    m.Pinned,
			PinnedAt:  m.PinnedAt,
			Archived:  m.Archived,
		}
		if conv.Kind == "direct" {
			for _, other := range conv.Members {
				if other.UserID != claims.ID {
					if p, ok := profileMap[other.UserID]; ok {
						row.Name = p.FullName
						row.AvatarURL = p.AvatarURL
					}
				}
			}
		}
		if last, ok := lastByConv[conv.ID]; ok {
			view := lastMessageView{
				ID:        last.ID,
				SenderID:  last.SenderID,
				Type:      last.Type,
				Snippet:   messageSnippet(&last),
				CreatedAt: last.CreatedAt,
			}
			if p, ok := profileMap[last.SenderID]; ok {
				view.SenderName = p.FullName
			}
			row.LastMessage = &view
		}

		unreadQ := storage.DB.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_deleted = false", conv.ID, claims.ID)
		if m.LastReadAt != nil {
			unreadQ = unreadQ.Where("created_at > ?", *m.LastReadAt)
		}
		unreadQ.Count(&row.UnreadCount)

		rows = append(rows, row)
	}

	slices.SortStableFunc(rows, func(a, b conversationRow) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if a.Pinned && b.Pinned {
			at, bt := pinTime(a.PinnedAt), pinTime(b.PinnedAt)
			if !at.Equal(bt) {
				if at.Before(bt) {
					return -1
				}
				return 1
			}
		}
		at, bt := lastTime(a.LastMessage), lastTime(b.LastMessage)
		if at.Equal(bt) {
			return int(a.ID) - int(b.ID)
		}
		if at.After(bt) {
			return -1
		}
		return 1
	})

	ctx.JSON(iris.Map{"success": true, "conversations": rows})
}

func pinTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func lastTime(v *lastMessageView) time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.CreatedAt
}

func messageSnippet(m *models.Message) string {
	if m.Content != nil && *m.Content != "" {
		if r := []rune(*m.Content); len(r) > 120 {
			return string(r[:120])
		}
		return *m.Content
	}
	return m.Type
}

type CreateGroupInput struct {
	Name      string `json:"name" validate:"required,lt=80"`
	AvatarURL string `json:"avatarURL" validate:"lt=512"`
	MemberIDs []uint `json:"memberIDs" validate:"required,min=1"`
}

// CreateGroupConversation creates a group room with the caller as owner.
func CreateGroupConversation(ctx iris.Context) {
	var input CreateGroupInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)

	conv := models.Conversation{Kind: "group", Name: input.Name, AvatarURL: input.AvatarURL, OwnerID: claims.ID}
	if err := storage.DB.Create(&conv).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	now := time.Now()
	members := []models.ConversationMember{
		{ConversationID: conv.ID, UserID: claims.ID, Role: "owner", JoinedAt: &now},
	}
	for _, id := range input.MemberIDs {
		if id == claims.ID {
			continue
		}
		members = append(members, models.ConversationMember{
			ConversationID: conv.ID, UserID: id, Role: "member", JoinedAt: &now,
		})
	}
	if err := storage.DB.Create(&members).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	ctx.JSON(iris.Map{"success": true, "conversation": conv})
}

type StartDirectInput struct {
	RecipientID uint   `json:"recipientID" validate:"required"`
	Message     string `json:"message" validate:"lt=5000"`
	ClientToken string `json:"clientToken" validate:"omitempty,uuid4"`
}

// StartDirectConversation finds or creates the direct conversation between
// the caller and the recipient, optionally sending a first message.
func StartDirectConversation(ctx iris.Context) {
	var input StartDirectInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)
	if input.RecipientID == claims.ID {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var conv models.Conversation
	storage.DB.
		Joins("JOIN conversation_members m1 ON m1.conversation_id = conversations.id").
		Joins("JOIN conversation_members m2 ON m2.conversation_id = conversations.id").
		Where("m1.user_id = ? AND m2.user_id = ? AND conversations.kind = ?", claims.ID, input.RecipientID, "direct").
		First(&conv)

	if conv.ID == 0 {
		conv = models.Conversation{Kind: "direct", OwnerID: claims.ID}
		if err := storage.DB.Create(&conv).Error; err != nil {
			ctx.StopWithStatus(http.StatusInternalServerError)
			return
		}
		now := time.Now()
		members := []models.ConversationMember{
			{ConversationID: conv.ID, UserID: claims.ID, Role: "member", JoinedAt: &now},
			{ConversationID: conv.ID, UserID: input.RecipientID, Role: "member", JoinedAt: &now},
		}
		if err := storage.DB.Create(&members).Error; err != nil {
			ctx.StopWithStatus(http.StatusInternalServerError)
			return
		}
	}

	if input.Message != "" && input.ClientToken != "" {
		svc := services.NewChatService(storage.DB, storage.Redis)
		if _, err := svc.SaveMessage(ctx.Request().Context(), claims.ID, realtime.SendMessage{
			ClientToken:    input.ClientToken,
			ConversationID: conv.ID,
			Content:        input.Message,
			MessageType:    "text",
		}); err != nil {
			chatErrorStatus(ctx, err)
			return
		}
	}

	ctx.JSON(iris.Map{"success": true, "conversationID": conv.ID})
}

// TogglePinConversation: PATCH /api/conversations/{id}/pin
func TogglePinConversation(ctx iris.Context) {
	toggleMembershipFlag(ctx, "pin")
}

// ToggleArchiveConversation: PATCH /api/conversations/{id}/archive
func ToggleArchiveConversation(ctx iris.Context) {
	toggleMembershipFlag(ctx, "archive")
}

func toggleMembershipFlag(ctx iris.Context, flag string) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	convID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var membership models.ConversationMember
	if err := storage.DB.Where("conversation_id = ? AND user_id = ?", convID, claims.ID).
		First(&membership).Error; err != nil {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}

	switch flag {
	case "pin":
		membership.Pinned = !membership.Pinned
		if membership.Pinned {
			now := time.Now()
			membership.PinnedAt = &now
		} else {
			membership.PinnedAt = nil
		}
	case "archive":
		membership.Archived = !membership.Archived
	}
	if err := storage.DB.Save(&membership).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	ctx.JSON(iris.Map{"success": true, "pinned": membership.Pinned, "archived": membership.Archived})
}

// MarkConversationRead: POST /api/conversations/{id}/read
// Drives the caller's unread count to zero and emits the read watermark on
// the change feed.
func MarkConversationRead(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	convID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	svc := services.NewChatService(storage.DB, storage.Redis)
	if _, err := svc.MarkRead(ctx.Request().Context(), claims.ID, convID, time.Now()); err != nil {
		chatErrorStatus(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"success": true})
}
