package middleware

import (
	"context"
	"log"
	"time"

	"github.com/aman-churiwal/gateway-core/internal/models"
	"github.com/aman-churiwal/gateway-core/internal/repository"
	"github.com/gin-gonic/gin"
)

// Buffered channel for async logging
var logChannel chan *models.RequestLog

// Starts the background worker that batch-inserts request logs
func InitRequestLogger(repo *repository.RequestLogRepository, bufferSize int) {
	logChannel = make(chan *models.RequestLog, bufferSize)

	go func() {
		batch := make([]*models.RequestLog, 0, 100)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case entry := <-logChannel:
				batch = append(batch, entry)

				if len(batch) >= 100 {
					insertBatch(repo, batch)
					batch = make([]*models.RequestLog, 0, 100)
				}
			case <-ticker.C:
				if len(batch) > 0 {
					insertBatch(repo, batch)
					batch = make([]*models.RequestLog, 0, 100)
				}
			}
		}
	}()
}

func insertBatch(repo *repository.RequestLogRepository, logs []*models.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.CreateBatch(ctx, logs); err != nil {
		log.Printf("Failed to insert request logs: %v", err)
	}
}

// Records every dispatched request for later analysis
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if logChannel == nil {
			return
		}

		duration := time.Since(start)

		entry := &models.RequestLog{
			Timestamp:      start,
			RequestID:      c.GetString("request_id"),
			UserID:         c.GetString("user_id"),
			Service:        c.GetString("service"),
			Method:         c.Request.Method,
			Path:           c.Request.URL.Path,
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: int(duration.Milliseconds()),
			IPAddress:      c.ClientIP(),
			UserAgent:      c.Request.UserAgent(),
			ErrorKind:      c.GetString("error_kind"),
		}

		select {
		case logChannel <- entry:
			// Queued
		default:
			log.Printf("Request log channel full, skipping entry")
		}
	}
}
