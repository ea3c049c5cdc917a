package main

import (
	"fmt"
	"log"
	"os"

	"github.com/RsrRuso/cocktailsop-sub010/cache"
	"github.com/RsrRuso/cocktailsop-sub010/realtime"
	"github.com/RsrRuso/cocktailsop-sub010/routes"
	"github.com/RsrRuso/cocktailsop-sub010/services"
	"github.com/RsrRuso/cocktailsop-sub010/storage"
	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

func main() {
	godotenv.Load()
	db := storage.InitializeDB()
	rdb := storage.InitializeRedis()

	app := iris.New()
	app.Validator = validator.New()

	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
		ctx.Header("Vary", "Origin")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		if ctx.Method() == iris.MethodOptions {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.Next()
	})

	app.Use(iris.Compression)

	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	accessTokenVerifier.WithDefaultBlocklist()
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	refreshTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("REFRESH_TOKEN_SECRET")))
	refreshTokenVerifier.WithDefaultBlocklist()
	refreshTokenVerifierMiddleware := refreshTokenVerifier.Verify(func() interface{} {
		return new(jwt.Claims)
	})

	refreshTokenVerifier.Extractors = append(refreshTokenVerifier.Extractors, func(ctx iris.Context) string {
		var tokenInput utils.RefreshTokenInput
		err := ctx.ReadJSON(&tokenInput)
		if err != nil {
			return ""
		}

		return tokenInput.RefreshToken
	})

	// One cache instance for the whole process, injected where needed.
	fetchCache := cache.New()
	routes.SetProfileService(services.NewProfileService(db, fetchCache))

	chatSvc := services.NewChatService(db, rdb)
	hub := realtime.NewHub(rdb, chatSvc)

	conversations := app.Party("/api/conversations", accessTokenVerifierMiddleware)
	{
		conversations.Get("/", routes.ListConversations)
		conversations.Post("/group", routes.CreateGroupConversation)
		conversations.Post("/direct", routes.StartDirectConversation)
		conversations.Patch("/{id:uint}/pin", routes.TogglePinConversation)
		conversations.Patch("/{id:uint}/archive", routes.ToggleArchiveConversation)
		conversations.Post("/{id:uint}/read", routes.MarkConversationRead)
		conversations.Post("/{id:uint}/typing", routes.Typing)
		conversations.Get("/{id:uint}/typing", routes.ListTyping)
	}

	messages := app.Party("/api/messages", accessTokenVerifierMiddleware)
	{
		messages.Post("/", routes.CreateMessage)
		messages.Get("/", routes.ListMessages)
		messages.Get("/backfill", routes.BackfillMessages)
		messages.Post("/state", routes.SetMessageState)
		messages.Delete("/{id:uint}", routes.DeleteMessage)
	}

	reactions := app.Party("/api/reactions", accessTokenVerifierMiddleware)
	{
		reactions.Post("/toggle", routes.ToggleReaction)
		reactions.Get("/", routes.ListReactions)
	}

	live := app.Party("/api/live", accessTokenVerifierMiddleware)
	{
		live.Post("/heart", routes.SendHeart)
	}

	media := app.Party("/api/media", accessTokenVerifierMiddleware)
	{
		media.Post("/", routes.UploadMedia)
	}

	notifications := app.Party("/api/notifications", accessTokenVerifierMiddleware)
	{
		notifications.Post("/token", routes.RegisterPushToken)
		notifications.Delete("/token", routes.UnregisterPushToken)
		notifications.Patch("/settings", routes.SetNotificationSettings)
	}

	app.Get("/ws", accessTokenVerifierMiddleware, realtime.ServeWS(hub, chatSvc))

	app.Post("/api/refresh", refreshTokenVerifierMiddleware, utils.RefreshToken)

	port := os.Getenv("PORT")
	if port == "" {
		port = "4000"
	}
	addr := "0.0.0.0:" + port

	fmt.Printf("🚀 Server starting on %s\n", addr)

	if err := app.Listen(addr); err != nil {
		log.Fatalf("❌ Server failed: %v", err)
	}
}
