// Package admin serves a small HTTP API for looking into a running heap:
// its statistics, its regions, its flags and a class histogram. It can
// start collections and streams an event per finished collection as
// server-sent events.
package admin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	"github.com/LimeChain/regiongc/internal/heap"
	"github.com/LimeChain/regiongc/internal/task"
	"github.com/LimeChain/regiongc/internal/vmop"
)

// Server is the admin API of one heap.
type Server struct {
	h      *heap.Heap
	log    *slog.Logger
	engine *gin.Engine
	srv    *http.Server
}

// New returns a server for h. It does not listen until Serve or
// ListenAndServe is called.
func New(h *heap.Heap, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{h: h, log: log.With("component", "admin")}
	e := gin.New()
	e.Use(gin.Recovery(), s.logRequests)
	e.GET("/heap", s.getHeap)
	e.GET("/regions", s.getRegions)
	e.GET("/flags", s.getFlags)
	e.GET("/histogram", s.getHistogram)
	e.POST("/gc", s.postGC)
	e.GET("/events", s.getEvents)
	s.engine = e
	s.srv = &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the API's handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve accepts connections on ln, at most AdminMaxConns at a time, until
// Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if n := int(s.h.Config().AdminMaxConns); n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	s.log.Info("admin API listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on AdminAddr and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.h.Config().AdminAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops the server. Event streams end when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("request",
		"method", c.Request.Method, "path", c.FullPath(),
		"status", c.Writer.Status(), "took", time.Since(start))
}

// inVM runs fn on a thread attached to the heap for the duration of the
// call.
func (s *Server) inVM(name string, fn func(t *task.Thread)) {
	m := s.h.Attach(name)
	defer m.Detach()
	m.InVM(fn)
}

func (s *Server) getHeap(c *gin.Context) {
	var st heap.Stats
	s.inVM("admin-heap", func(t *task.Thread) { st = s.h.Stats(t) })
	c.JSON(http.StatusOK, st)
}

func (s *Server) getRegions(c *gin.Context) {
	var regions []heap.RegionInfo
	s.inVM("admin-regions", func(t *task.Thread) { regions = s.h.RegionInfos(t) })
	c.JSON(http.StatusOK, regions)
}

func (s *Server) getFlags(c *gin.Context) {
	if c.Query("format") == "yaml" {
		c.YAML(http.StatusOK, &s.h.Config().Flags)
		return
	}
	var buf bytes.Buffer
	s.h.Config().Print(&buf)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

type histogramQuery struct {
	Full bool `form:"full"`
}

func (s *Server) getHistogram(c *gin.Context) {
	var q histogramQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	s.inVM("admin-histogram", func(t *task.Thread) { s.h.InspectHeap(t, &buf, q.Full) })
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

type gcRequest struct {
	Kind          string `json:"kind" binding:"required,oneof=young full mark"`
	ClearSoftRefs bool   `json:"clearSoftRefs"`
}

type gcResponse struct {
	Kind            string `json:"kind"`
	Collections     uint64 `json:"collections"`
	FullCollections uint64 `json:"fullCollections"`
	Took            string `json:"took"`
}

func (s *Server) postGC(c *gin.Context) {
	var req gcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClearSoftRefs {
		s.h.Policy().SoftRefs().SetShouldClearAll(true)
	}
	start := time.Now()
	var err error
	s.inVM("admin-gc", func(t *task.Thread) { err = s.h.Collect(t, req.Kind, vmop.CauseAdmin) })
	switch {
	case errors.Is(err, heap.ErrGCLocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gcResponse{
		Kind:            req.Kind,
		Collections:     s.h.TotalCollections(),
		FullCollections: s.h.TotalFullCollections(),
		Took:            time.Since(start).String(),
	})
}

func (s *Server) getEvents(c *gin.Context) {
	events, cancel := s.h.Subscribe(64)
	defer cancel()

	// Headers go out before the first event so a client knows it is
	// subscribed.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    strconv.FormatUint(ev.Seq, 10),
				Event: string(ev.Kind),
				Data:  ev,
			})
			return true
		case <-done:
			return false
		}
	})
}
