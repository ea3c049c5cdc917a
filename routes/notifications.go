package routes

import (
	"encoding/json"
	"net/http"

	"github.com/RsrRuso/cocktailsop-sub010/models"
	"github.com/RsrRuso/cocktailsop-sub010/storage"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

type PushTokenInput struct {
	Token string `json:"token" validate:"required,lt=256"`
}

// RegisterPushToken adds a device token to the caller's token list so new
// messages can reach them while disconnected.
func RegisterPushToken(ctx iris.Context) {
	var input PushTokenInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)

	var user models.User
	if err := storage.DB.First(&user, claims.ID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	var tokens []string
	if user.PushTokens != nil {
		json.Unmarshal(user.PushTokens, &tokens)
	}
	for _, t := range tokens {
		if t == input.Token {
			ctx.JSON(iris.Map{"success": true})
			return
		}
	}
	tokens = append(tokens, input.Token)

	raw, err := json.Marshal(tokens)
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	user.PushTokens = raw
	if err := storage.DB.Save(&user).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	ctx.JSON(iris.Map{"success": true})
}

// UnregisterPushToken removes a device token, typically on logout.
func UnregisterPushToken(ctx iris.Context) {
	var input PushTokenInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)

	var user models.User
	if err := storage.DB.First(&user, claims.ID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	var tokens []string
	if user.PushTokens != nil {
		json.Unmarshal(user.PushTokens, &tokens)
	}
	kept := tokens[:0]
	for _, t := range tokens {
		if t != input.Token {
			kept = append(kept, t)
		}
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	user.PushTokens = raw
	if err := storage.DB.Save(&user).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	ctx.JSON(iris.Map{"success": true})
}

type NotificationSettingsInput struct {
	AllowsNotifications bool `json:"allowsNotifications"`
}

// SetNotificationSettings flips the caller's push opt-in.
func SetNotificationSettings(ctx iris.Context) {
	var input NotificationSettingsInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	claims := jwt.Get(ctx).(*utils.AccessToken)

	if err := storage.DB.Model(&models.User{}).
		Where("id = ?", claims.ID).
		Update("allows_notifications", input.AllowsNotifications).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	ctx.JSON(iris.Map{"success": true})
}
