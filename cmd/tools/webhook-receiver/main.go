package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func main() {
	var (
		addr   = flag.String("addr", ":3000", "Listen address")
		secret = flag.String("secret", os.Getenv("WORLDHOST_WEBHOOK_SECRET"), "Shared secret for X-Webhook-Signature (empty: do not verify)")
	)
	flag.Parse()

	log.Println("🔗 Запуск тестового Webhook приемника...")
	gin.SetMode(gin.ReleaseMode)
	r := newRouter(*secret, os.Stdout)

	log.Printf("✅ Webhook приемник запущен на %s", *addr)
	log.Println("   GET  /         - информация")
	log.Println("   POST /webhook  - события миров")
	if err := r.Run(*addr); err != nil {
		log.Fatalf("Ошибка запуска сервера: %v", err)
	}
}

func newRouter(secret string, out io.Writer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("webhook-receiver"))
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %d %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":     "Webhook приемник запущен",
			"endpoints":   []string{"/webhook"},
			"verifying":   secret != "",
			"server_time": time.Now().Unix(),
		})
	})
	r.POST("/webhook", webhookHandler(secret, out))
	return r
}

// webhookHandler проверяет подпись и печатает событие мира.
func webhookHandler(secret string, out io.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		if secret != "" && !eventbus.Verify(body, secret, c.GetHeader(eventbus.HeaderSignature)) {
			fmt.Fprintf(out, "🚫 bad signature for %s\n", c.GetHeader(eventbus.HeaderEventID))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}

		var p eventbus.WebhookPayload
		if err := json.Unmarshal(body, &p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		fmt.Fprint(out, describe(p))

		c.JSON(http.StatusOK, gin.H{
			"status":      "received",
			"event_type":  p.EventType,
			"received_at": time.Now().Unix(),
		})
	}
}

func describe(p eventbus.WebhookPayload) string {
	ts := time.Unix(p.Timestamp, 0).UTC().Format("15:04:05")
	if p.World == nil {
		return fmt.Sprintf("📧 [%s] %s %s\n", ts, p.EventType, p.ID)
	}
	w := p.World
	switch p.EventType {
	case eventbus.WorldStarted:
		return fmt.Sprintf("▶️  [%s] мир %s (%s) запущен на порту %d\n", ts, w.WorldID, w.Hostname, w.Port)
	case eventbus.WorldStopped:
		return fmt.Sprintf("⏹️  [%s] мир %s остановлен\n", ts, w.WorldID)
	case eventbus.WorldCrashed:
		return fmt.Sprintf("🚨 [%s] мир %s упал: exit %d %s\n", ts, w.WorldID, w.ExitCode, w.Reason)
	}
	return fmt.Sprintf("📧 [%s] %s мир %s state=%s\n", ts, p.EventType, w.WorldID, w.State)
}
