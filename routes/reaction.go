package routes

import (
	"net/http"

	"github.com/RsrRuso/cocktailsop-sub010/models"
	"github.com/RsrRuso/cocktailsop-sub010/realtime"
	"github.com/RsrRuso/cocktailsop-sub010/services"
	"github.com/RsrRuso/cocktailsop-sub010/storage"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

type ToggleReactionInput struct {
	MessageID uint   `json:"messageID" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,lt=16"`
}

// ToggleReaction: POST /api/reactions/toggle
// Adds the caller's emoji if absent, removes it if present. Two rapid
// toggles land as two toggles; last write wins by design.
func ToggleReaction(ctx iris.Context) {
	var input ToggleReactionInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)

	svc := services.NewChatService(storage.DB, storage.Redis)
	ev, err := svc.ToggleReaction(ctx.Request().Context(), claims.ID, realtime.ToggleReaction{
		MessageID: input.MessageID,
		Emoji:     input.Emoji,
	})
	if err != nil {
		chatErrorStatus(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"success": true, "present": ev.Present})
}

type reactionGroup struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Users []uint `json:"users"`
	Mine  bool   `json:"mine"`
}

// ListReactions: GET /api/reactions?messageID=...
// Grouped per emoji with count and the reacting users, plus whether the
// caller's own reaction is among them.
func ListReactions(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	msgID, err := ctx.URLParamInt("messageID")
	if err != nil || msgID <= 0 {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var msg models.Message
	if err := storage.DB.First(&msg, msgID).Error; err != nil {
		ctx.StopWithStatus(http.StatusNotFound)
		return
	}
	if !services.NewChatService(storage.DB, storage.Redis).IsMember(msg.ConversationID, claims.ID) {
		ctx.StopWithStatus(http.StatusForbidden)
		return
	}

	var rows []models.Reaction
	if err := storage.DB.Where("message_id = ?", msgID).Order("created_at ASC").Find(&rows).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	grouped := make(map[string]*reactionGroup)
	order := make([]string, 0)
	for _, r := range rows {
		g, ok := grouped[r.Emoji]
		if !ok {
			g = &reactionGroup{Emoji: r.Emoji}
			grouped[r.Emoji] = g
			order = append(order, r.Emoji)
		}
		g.Count++
		g.Users = append(g.Users, r.UserID)
		if r.UserID == claims.ID {
			g.Mine = true
		}
	}
	out := make([]reactionGroup, 0, len(order))
	for _, emoji := range order {
		out = append(out, *grouped[emoji])
	}

	ctx.JSON(iris.Map{"success": true, "reactions": out})
}
