package api

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/banterop/conductor/internal/bus"
)

// streamBusMessages drains sub onto the response as an SSE stream until the
// client disconnects, the subscription closes, or revoked fires (backend
// lease lost to a takeover). Each frame names its event as "event" or
// "guidance" to match the bus.Message union.
func (s *Server) streamBusMessages(c *gin.Context, sub bus.Subscription, revoked <-chan struct{}) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-revoked:
			fmt.Fprintf(c.Writer, "event: backend-revoked\ndata: {\"type\":\"backend-revoked\",\"reason\":\"takeover\"}\n\n")
			c.Writer.Flush()
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Lag {
				fmt.Fprintf(c.Writer, "event: lag\ndata: {}\n\n")
				c.Writer.Flush()
				continue
			}
			switch {
			case msg.Event != nil:
				data, _ := json.Marshal(msg.Event)
				fmt.Fprintf(c.Writer, "event: event\ndata: %s\n\n", data)
			case msg.Guidance != nil:
				data, _ := json.Marshal(msg.Guidance)
				fmt.Fprintf(c.Writer, "event: guidance\ndata: %s\n\n", data)
			default:
				continue
			}
			c.Writer.Flush()
		}
	}
}
