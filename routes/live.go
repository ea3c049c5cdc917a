package routes

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/RsrRuso/cocktailsop-sub010/models"
	"github.com/RsrRuso/cocktailsop-sub010/realtime"
	"github.com/RsrRuso/cocktailsop-sub010/storage"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

type SendHeartInput struct {
	ConversationID uint    `json:"conversationID" validate:"required"`
	X              float64 `json:"x" validate:"gte=0,lte=100"`
	Color          string  `json:"color" validate:"lt=12"`
	TTLMs          int     `json:"ttlMs" validate:"gte=0,lte=10000"`
}

// SendHeart: POST /api/live/heart
// HTTP fallback for the websocket heart frame. The event goes out on the
// broadcast-only channel and is never persisted; a failed publish is the
// caller's only possible loss.
func SendHeart(ctx iris.Context) {
	var input SendHeartInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)

	ev := realtime.HeartEvent{
		ID:     uuid.NewString(),
		X:      input.X,
		Color:  input.Color,
		UserID: strconv.FormatUint(uint64(claims.ID), 10),
		TTLMs:  input.TTLMs,
	}
	payload, err := realtime.EncodeEvent(ev)
	if err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	if err := storage.Redis.Publish(ctx.Request().Context(), realtime.LiveChannel(input.ConversationID), payload).Err(); err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	ctx.JSON(iris.Map{"success": true, "id": ev.ID})
}

// Typing indicator: set a short-lived key in Redis for 5 seconds
func Typing(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	convID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}
	// Ensure membership
	var membership models.ConversationMember
	if err := storage.DB.Where("conversation_id = ? AND user_id = ?", convID, claims.ID).First(&membership).Error; err != nil {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}
	key := typingKey(convID, claims.ID)
	storage.Redis.Set(ctx.Request().Context(), key, "1", 5*time.Second)
	ctx.JSON(iris.Map{"success": true})
}

// List who is typing by scanning known members and checking Redis keys
func ListTyping(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	convID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}
	var members []models.ConversationMember
	if err := storage.DB.Where("conversation_id = ?", convID).Preload("User").Find(&members).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	var isMember bool
	for _, m := range members {
		if m.UserID == claims.ID {
			isMember = true
		}
	}
	if !isMember {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}

	typing := []iris.Map{}
	for _, m := range members {
		if m.UserID == claims.ID {
			continue
		}
		key := typingKey(convID, m.UserID)
		if val, err := storage.Redis.Get(ctx.Request().Context(), key).Result(); err == nil && val == "1" {
			typing = append(typing, iris.Map{
				"userID": m.UserID,
				"name":   m.User.FullName(),
			})
		}
	}
	ctx.JSON(iris.Map{"success": true, "typing": typing})
}

func typingKey(conversationID uint, userID uint) string {
	return fmt.Sprintf("typing:conv:%d:user:%d", conversationID, userID)
}
