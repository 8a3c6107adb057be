package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/loopsync/internal/engine"
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/push"
	"github.com/roach88/loopsync/internal/recording"
	"github.com/roach88/loopsync/internal/timeline"
	"github.com/roach88/loopsync/internal/transport"
)

const (
	defaultTimelineWidth = 64
	maxTimelineWidth     = 512
)

func (s *Server) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Snapshot())
}

func (s *Server) getStatus(c *gin.Context) {
	snap := s.eng.Snapshot()
	body := gin.H{
		"seq":       snap.Seq,
		"playing":   snap.Transport.Playing,
		"recording": snap.Recording.Open,
	}
	if s.status != nil {
		body["push"] = s.status()
	} else {
		body["push"] = push.Status{}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getTimeline(c *gin.Context) {
	width := defaultTimelineWidth
	if w := c.Query("width"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n < timeline.MinWidth || n > maxTimelineWidth {
			c.JSON(http.StatusBadRequest, gin.H{"error": "width must be an integer between 8 and 512"})
			return
		}
		width = n
	}
	c.String(http.StatusOK, timeline.Render(s.eng.Snapshot(), width))
}

func (s *Server) getHighlights(c *gin.Context) {
	snap := s.eng.Snapshot()
	objects := snap.ActiveObjects
	if objects == nil {
		objects = []string{}
	}
	fingers := snap.ActiveFingers
	if fingers == nil {
		fingers = []gesture.FingerKey{}
	}
	live := snap.LiveMarks
	if live == nil {
		live = []recording.Mark{}
	}
	c.JSON(http.StatusOK, gin.H{
		"objects": objects,
		"fingers": fingers,
		"live":    live,
	})
}

func (s *Server) listLoops(c *gin.Context) {
	snap := s.eng.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"loops":          snap.Loops,
		"selectedLoopId": snap.SelectedLoopID,
		"pendingLoopId":  snap.PendingLoopID,
	})
}

func (s *Server) getLoop(c *gin.Context) {
	l, ok := s.eng.Snapshot().Loop(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "loop not found"})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) createLoop(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	s.submit(c, engine.Command{Kind: engine.CmdCreate, Name: req.Name})
}

func (s *Server) selectLoop(c *gin.Context) {
	s.loopCommand(c, engine.Command{Kind: engine.CmdSelect})
}

func (s *Server) toggleLoop(c *gin.Context) {
	s.loopCommand(c, engine.Command{Kind: engine.CmdToggle})
}

func (s *Server) clearLoop(c *gin.Context) {
	s.loopCommand(c, engine.Command{Kind: engine.CmdClear})
}

func (s *Server) deleteLoop(c *gin.Context) {
	s.loopCommand(c, engine.Command{Kind: engine.CmdDelete})
}

func (s *Server) setActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active is required"})
		return
	}
	s.loopCommand(c, engine.Command{Kind: engine.CmdSetActive, Active: *req.Active})
}

func (s *Server) deselect(c *gin.Context) {
	s.submit(c, engine.Command{Kind: engine.CmdDeselect})
}

func (s *Server) startTransport(c *gin.Context) {
	cfg := transport.DefaultConfig()
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, engine.Command{Kind: engine.CmdStartTransport, Transport: cfg})
}

func (s *Server) toggleTransport(c *gin.Context) {
	var req struct {
		Playing *bool `json:"playing" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "playing is required"})
		return
	}
	s.submit(c, engine.Command{Kind: engine.CmdToggleTransport, Playing: *req.Playing})
}

func (s *Server) toggleMetronome(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	s.submit(c, engine.Command{Kind: engine.CmdMetronome, Enabled: *req.Enabled})
}

// Field values used when a test event request leaves them out.
const (
	defaultTestObject   = "test_object_1"
	defaultTestHand     = "right"
	defaultTestFinger   = "index"
	defaultTestVelocity = 1.0
	defaultTestLabel    = "test event"
)

func (s *Server) addTestEvent(c *gin.Context) {
	var req struct {
		ObjectID string   `json:"objectId"`
		Hand     string   `json:"hand"`
		Finger   string   `json:"finger"`
		Velocity *float64 `json:"velocity"`
		Label    string   `json:"label"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	ev := gesture.TestEvent{
		ObjectID: orDefault(req.ObjectID, defaultTestObject),
		Hand:     orDefault(req.Hand, defaultTestHand),
		Finger:   orDefault(req.Finger, defaultTestFinger),
		Velocity: defaultTestVelocity,
		Label:    orDefault(req.Label, defaultTestLabel),
	}
	if req.Velocity != nil {
		if v := *req.Velocity; v < 0 || v > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "velocity must be between 0 and 1"})
			return
		}
		ev.Velocity = *req.Velocity
	}
	s.submit(c, engine.Command{Kind: engine.CmdAddTestEvent, TestEvent: ev})
}

func (s *Server) clearTestEvents(c *gin.Context) {
	s.submit(c, engine.Command{Kind: engine.CmdClearTestEvents})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// loopCommand fills in the :id parameter after checking the loop exists
// in the latest snapshot.
func (s *Server) loopCommand(c *gin.Context, cmd engine.Command) {
	id := c.Param("id")
	if _, ok := s.eng.Snapshot().Loop(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "loop not found"})
		return
	}
	cmd.LoopID = id
	s.submit(c, cmd)
}

func (s *Server) submit(c *gin.Context, cmd engine.Command) {
	if !s.eng.Submit(cmd) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine stopped"})
		return
	}
	body := gin.H{"status": "queued", "command": cmd.Kind}
	if cmd.LoopID != "" {
		body["loopId"] = cmd.LoopID
	}
	c.JSON(http.StatusAccepted, body)
}
