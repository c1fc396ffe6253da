package main

import (
	"context"
	"log"
	"net/http"

	global "CollabProject/global"
	mid "CollabProject/middleware"
	midsec "CollabProject/middleware/security"
	"CollabProject/module/user"
	"CollabProject/service/activity"
	"CollabProject/service/authz"
	"CollabProject/service/collab"
	"CollabProject/service/mgo"
	"CollabProject/service/ratelimit"
	redis "CollabProject/service/storage/redis"
	"CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {

	global.ConfigAll()

	ctx := context.Background()

	// 1) 关系库（用户/工作区授权）是硬依赖
	store, err := authz.NewPgStore(ctx, global.PgDSN())
	if err != nil {
		log.Fatalf("postgres unavailable: %v", err)
	}
	defer store.Close()

	jwtOpts := security.DefaultOptions(global.GetJwtSecret())
	az := authz.NewService(store, jwtOpts)

	// 2) 活动日志旁路（mongo 落库 + 可选 nats 转发）
	sink := activity.NewSink(mgo.Collection("activities"), global.GetNats(), "activity.events")

	// 3) 会话层：注册表 + 跨进程总线
	reg := collab.NewRegistry()
	bus := collab.NewRedisBus(redis.GetRedis(), global.GatewayID())
	defer bus.Close()

	srv := collab.NewServer(global.GatewayID(), reg, bus, az, sink)

	// 4) 准入控制
	maxReq, window := global.RateLimitConf()
	limiter := ratelimit.NewLimiter(redis.GetRedis(), ratelimit.Config{
		Window:      window,
		MaxRequests: maxReq,
	})
	mid.Manager().Add(mid.RateLimit(limiter, maxReq))

	// 5) HTTP + WebSocket
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mid.Manager().Use())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws/workspace/:workspace_id", srv.HandleWS) // ws://host/ws/workspace/{id}?token={jwt}
	r.GET("/ws/workspace/:workspace_id/users", srv.HandleWorkspaceUsers)

	uh := user.NewHandler(store, jwtOpts)
	mid.POST(r, "/login", uh.HandlerLogin, mid.RouteOpt{IsAuth: false})
	mid.GET(r, "/check", uh.HandlerCheck, mid.RouteOpt{
		IsAuth: true,
		Auth:   midsec.DefaultOptions(global.GetJwtSecret()),
	})

	addr := global.HTTPAddr()
	log.Printf("[HTTP] Listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
