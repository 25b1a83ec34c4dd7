package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ap-development/medrelay/internal/models"
	"github.com/ap-development/medrelay/internal/store"
)

// messageItem is one row of the messages listing.
type messageItem struct {
	ID             int64     `json:"id"`
	ChatID         int64     `json:"chat_id"`
	Direction      string    `json:"direction"`
	MessageID      *int64    `json:"message_id,omitempty"`
	Text           string    `json:"text"`
	ContentType    string    `json:"content_type"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// handleMessages serves the messages listing with explicit id cursors:
// before_id pages back in time, after_id pages forward, and the response
// echoes next_before / next_after for the following call.
func handleMessages(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := store.MessageQuery{
			ChatID:      queryInt64(c, "chat_id"),
			ContentType: c.Query("content_type"),
			Q:           c.Query("q"),
			BeforeID:    queryInt64(c, "before_id"),
			AfterID:     queryInt64(c, "after_id"),
			Limit:       int(queryInt64(c, "limit")),
			Ascending:   c.Query("order") == "asc",
		}
		switch c.Query("direction") {
		case "":
		case "in":
			dir := models.DirectionIn
			q.Direction = &dir
		case "out":
			dir := models.DirectionOut
			q.Direction = &dir
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be in or out"})
			return
		}

		msgs, err := st.ListMessages(c.Request.Context(), q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}

		items := make([]messageItem, 0, len(msgs))
		var minID, maxID int64
		for _, m := range msgs {
			if minID == 0 || m.ID < minID {
				minID = m.ID
			}
			if m.ID > maxID {
				maxID = m.ID
			}
			dir := "in"
			if m.Direction == models.DirectionOut {
				dir = "out"
			}
			items = append(items, messageItem{
				ID:             m.ID,
				ChatID:         m.ChatID,
				Direction:      dir,
				MessageID:      m.ExternalID,
				Text:           m.Text,
				ContentType:    m.ContentType,
				AttachmentName: m.AttachmentName,
				CreatedAt:      m.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"items":       items,
			"next_before": minID,
			"next_after":  maxID,
		})
	}
}

// handleChats serves per-chat activity counters for a period.
func handleChats(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, ok := periodSince(c.DefaultQuery("period", "day"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period must be day, week or month"})
			return
		}
		rows, err := st.ChatSummaries(c.Request.Context(), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		type chatItem struct {
			ChatID        int64     `json:"chat_id"`
			Username      string    `json:"username,omitempty"`
			FirstName     string    `json:"first_name,omitempty"`
			LastName      string    `json:"last_name,omitempty"`
			LastMessageAt time.Time `json:"last_message_at"`
			PeriodCount   int64     `json:"period_count"`
			TotalCount    int64     `json:"total_count"`
		}
		items := make([]chatItem, 0, len(rows))
		for _, r := range rows {
			items = append(items, chatItem(r))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// handleAnalytics serves the aggregate summary for a period.
func handleAnalytics(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, ok := periodSince(c.DefaultQuery("period", "day"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period must be day, week or month"})
			return
		}
		sum, err := st.Analytics(c.Request.Context(), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total_users":    sum.TotalUsers,
			"new_users":      sum.NewUsers,
			"total_messages": sum.TotalMessages,
			"inbound":        sum.Inbound,
			"outbound":       sum.Outbound,
			"active_chats":   sum.ActiveChats,
		})
	}
}

func periodSince(period string) (time.Time, bool) {
	now := time.Now()
	switch period {
	case "day":
		return now.Add(-24 * time.Hour), true
	case "week":
		return now.AddDate(0, 0, -7), true
	case "month":
		return now.AddDate(0, -1, 0), true
	default:
		return time.Time{}, false
	}
}

func queryInt64(c *gin.Context, name string) int64 {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
