package api

import (
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edgemesh/stream"
)

// keepAliveInterval is how long an SSE stream may stay silent before a
// comment line is sent to hold the connection open through proxies.
const keepAliveInterval = 15 * time.Second

// streamEvents bridges a bus subscription onto an SSE response: one named
// event per bus message, a keep-alive comment per silent interval, and
// teardown when the client disconnects or the bus closes the channel.
func streamEvents[T any](c *gin.Context, bus *stream.Bus[T], eventName string) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: eventName, Data: event}); err != nil {
				return
			}
			c.Writer.Flush()
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (s *Server) streamNodes(c *gin.Context) {
	streamEvents(c, s.coord.NodeEvents, "node_update")
}

func (s *Server) streamJobs(c *gin.Context) {
	streamEvents(c, s.coord.JobEvents, "job_update")
}
