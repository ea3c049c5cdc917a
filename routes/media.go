package routes

import (
	"net/http"

	"github.com/RsrRuso/cocktailsop-sub010/storage"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
)

type UploadMediaInput struct {
	Data string `json:"data" validate:"required"` // base64 data URL or raw base64
	Kind string `json:"kind" validate:"required,oneof=image video voice audio document"`
}

// UploadMedia stores a message attachment and returns the URL the client puts
// in the message's mediaRef.
func UploadMedia(ctx iris.Context) {
	var input UploadMediaInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	url := storage.UploadBase64Media(input.Kind, input.Data, uuid.NewString())
	if url == "" {
		ctx.StopWithJSON(http.StatusBadGateway, iris.Map{"error": "upload failed"})
		return
	}
	ctx.JSON(iris.Map{"success": true, "url": url})
}
