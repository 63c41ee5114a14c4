package http

import (
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/immxrtalbeast/meetsignal/internal/config"
)

func SetupRouter(cfg config.HTTPConfig, signalingController *SignalingController, roomController *RoomController, userController *UserController) *gin.Engine {
	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	if slices.Contains(cfg.AllowedOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	corsConfig.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	router.Use(cors.New(corsConfig))
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	if signalingController != nil {
		router.GET("/ws", signalingController.Serve)
	}

	api := router.Group("/api")

	if userController != nil {
		users := api.Group("/users")
		users.GET("/:userID", userController.GetUser)
	}

	if roomController != nil {
		rooms := api.Group("/rooms")
		rooms.GET("", roomController.ListRooms)
		rooms.GET("/:roomID", roomController.GetRoom)
	}

	return router
}
