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
)

type CreateMessageInput struct {
	ClientToken    string `json:"clientToken" validate:"required,uuid4"`
	ConversationID uint   `json:"conversationID" validate:"required"`
	Content        string `json:"content" validate:"lt=5000"`
	Type           string `json:"type" validate:"omitempty,oneof=text image video voice audio document"`
	MediaRef       string `json:"mediaRef" validate:"lt=512"`
	ReplyToID      uint   `json:"replyToID"`
}

// CreateMessage is the HTTP persist path. Retrying with the same client
// token returns the original row, so a client that timed out can resend
// without producing duplicates.
func CreateMessage(ctx iris.Context) {
	var req CreateMessageInput
	if err := ctx.ReadJSON(&req); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	svc := services.NewChatService(storage.DB, storage.Redis)
	ev, err := svc.SaveMessage(ctx.Request().Context(), claims.ID, realtime.SendMessage{
		ClientToken:    req.ClientToken,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		MessageType:    req.Type,
		MediaRef:       req.MediaRef,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		chatErrorStatus(ctx, err)
		return
	}

	ctx.JSON(iris.Map{"success": true, "message": ev})
}

// ListMessages: GET /api/messages?conversationID=...&cursor=...&limit=...
func ListMessages(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)

	convID, err := ctx.URLParamInt("conversationID")
	if err != nil || convID <= 0 {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}
	if !services.NewChatService(storage.DB, storage.Redis).IsMember(uint(convID), claims.ID) {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}
	limit, _ := ctx.URLParamInt("limit")
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	cursor, _ := ctx.URLParamInt("cursor")

	q := storage.DB.Where("conversation_id = ?", convID)
	if cursor > 0 {
		q = q.Where("id < ?", cursor)
	}
	var msgs []models.Message
	if err := q.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	// reverse to chronological
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	nextCursor := 0
	if len(msgs) > 0 {
		nextCursor = int(msgs[0].ID)
	}
	ctx.JSON(iris.Map{"messages": msgs, "nextCursor": nextCursor})
}

// BackfillMessages: GET /api/messages/backfill?conversationID=...&since=RFC3339
// The catch-up fetch a client runs after a subscription gap; rows come back
// oldest first in the same shape as live feed events.
func BackfillMessages(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)

	convID, err := ctx.URLParamInt("conversationID")
	if err != nil || convID <= 0 {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}
	svc := services.NewChatService(storage.DB, storage.Redis)
	if !svc.IsMember(uint(convID), claims.ID) {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}
	var since time.Time
	if raw := ctx.URLParam("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ctx.StopWithStatus(http.StatusBadRequest)
			return
		}
	}

	events, err := svc.MessagesSince(ctx.Request().Context(), uint(convID), since)
	if err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	ctx.JSON(iris.Map{"success": true, "messages": events})
}

type SetMessageStateInput struct {
	ConversationID uint   `json:"conversationID" validate:"required"`
	MessageIDs     []uint `json:"messageIDs" validate:"required"`
	State          string `json:"state" validate:"required,oneof=delivered seen"`
}

// SetMessageState: POST /api/messages/state
func SetMessageState(ctx iris.Context) {
	var req SetMessageStateInput
	if err := ctx.ReadJSON(&req); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)
	svc := services.NewChatService(storage.DB, storage.Redis)

	var err error
	if req.State == "delivered" {
		_, err = svc.MarkDelivered(ctx.Request().Context(), claims.ID, req.ConversationID, req.MessageIDs)
	} else {
		_, err = svc.MarkRead(ctx.Request().Context(), claims.ID, req.ConversationID, time.Now())
	}
	if err != nil {
		chatErrorStatus(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"success": true})
}

// DeleteMessage soft-deletes the sender's own message; the change feed tells
// other members to blank it out.
func DeleteMessage(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	msgID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var msg models.Message
	if err := storage.DB.First(&msg, msgID).Error; err != nil {
		ctx.StopWithStatus(http.StatusNotFound)
		return
	}
	if msg.SenderID != claims.ID {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}
	if err := storage.DB.Model(&msg).Update("is_deleted", true).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	msg.IsDeleted = true
	svc := services.NewChatService(storage.DB, storage.Redis)
	svc.PublishMessage(ctx.Request().Context(), &msg)
	if msg.MediaRef != "" {
		// Orphaned attachment cleanup; best effort.
		go storage.DeleteMedia(msg.MediaRef)
	}
	ctx.JSON(iris.Map{"success": true})
}

func chatErrorStatus(ctx iris.Context, err error) {
	switch err {
	case services.ErrNotMember:
		ctx.StopWithStatus(http.StatusForbidden)
	case services.ErrUnknownMessage, services.ErrCrossReply, services.ErrEmptyMessage, services.ErrUnknownConvKind:
		ctx.StopWithStatus(http.StatusBadRequest)
	default:
		ctx.StopWithStatus(http.StatusInternalServerError)
	}
}
