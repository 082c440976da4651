package admin

import (
	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/threadbot/internal/metadata"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := s.router.Group("/api", s.requireToken())
	api.GET("/threads", s.listThreads)
	api.GET("/threads/:id", s.getThread)
	api.POST("/threads/:id/unlock", s.unlockThread)
	api.GET("/stuck", s.listStuck)
	api.GET("/jobs", s.listJobs)
}

func (s *Server) health(c *gin.Context) {
	var channels []string
	if s.deps.Channels != nil {
		channels = s.deps.Channels()
	}
	success(c, gin.H{"status": "ok", "channels": channels})
}

func (s *Server) listThreads(c *gin.Context) {
	success(c, s.deps.Registry.Snapshot())
}

type threadView struct {
	Channel   string              `json:"channel"`
	ThreadID  string              `json:"threadId"`
	Messages  int                 `json:"messages"`
	Owner     string              `json:"owner"`
	Busy      bool                `json:"busy"`
	Turns     int                 `json:"turns"`
	Users     []int               `json:"userTurns"`
	Groups    [][]int             `json:"assistantGroups"`
	Registry  *thread.ThreadState `json:"registry,omitempty"`
	DecodeErr string              `json:"decodeError,omitempty"`
}

// resolve finds the platform hosting threadID, preferring the channel the
// registry recorded over the ?channel query.
func (s *Server) resolve(c *gin.Context) (string, thread.Platform, *thread.ThreadState, bool) {
	id := c.Param("id")
	channel := c.DefaultQuery("channel", s.deps.DefaultChannel)
	var state *thread.ThreadState
	if st, ok := s.deps.Registry.Get(id); ok {
		channel = st.Channel
		state = &st
	}
	p, ok := s.deps.Platforms(channel)
	if !ok {
		badRequest(c, "unknown_channel", "no thread platform named "+channel)
		return "", nil, nil, false
	}
	return channel, p, state, true
}

func (s *Server) getThread(c *gin.Context) {
	channel, p, state, ok := s.resolve(c)
	if !ok {
		return
	}
	id := c.Param("id")
	messages, err := p.Messages(c.Request.Context(), id)
	if err != nil {
		serverError(c, err)
		return
	}
	if len(messages) == 0 {
		notFound(c, "thread "+id+" has no messages")
		return
	}

	view := threadView{Channel: channel, ThreadID: id, Messages: len(messages), Registry: state}
	rec, err := metadata.Decode(messages[0].Content)
	if err != nil {
		view.DecodeErr = err.Error()
		view.Busy = metadata.IsBusy(messages[0].Content)
		success(c, view)
		return
	}
	if state == nil {
		// Inspected threads join the sweep even if no turn ran since startup.
		s.deps.Registry.Touch(channel, id)
	}
	view.Owner = rec.OwnerID
	view.Busy = rec.Busy
	view.Turns = rec.TurnCount()
	view.Users = rec.UserTurns
	view.Groups = rec.AssistantGroups
	success(c, view)
}

func (s *Server) unlockThread(c *gin.Context) {
	_, p, _, ok := s.resolve(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if st, ok := s.deps.Registry.Get(id); ok && st.InFlight > 0 {
		badRequest(c, "in_flight", "a turn is running in this thread")
		return
	}
	changed, err := thread.Unlock(c.Request.Context(), p, id, s.deps.Poll)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"threadId": id, "unlocked": changed})
}

func (s *Server) listStuck(c *gin.Context) {
	if s.deps.Stuck == nil {
		success(c, []any{})
		return
	}
	success(c, s.deps.Stuck())
}

func (s *Server) listJobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		success(c, []any{})
		return
	}
	success(c, s.deps.Jobs())
}
