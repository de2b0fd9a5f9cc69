package web

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/pipeline"
	"github.com/ironsheep/pillcount/internal/present"
)

// resultView is the JSON shape of a session result.
type resultView struct {
	Session     string            `json:"session"`
	Status      pipeline.Status   `json:"status"`
	Outcome     *pipeline.Outcome `json:"outcome,omitempty"`
	ArtifactURL string            `json:"artifact_url,omitempty"`
	Error       fiber.Map         `json:"error,omitempty"`
}

func artifactURL(handle string) string {
	if handle == "" {
		return ""
	}
	return "/api/artifacts/" + handle
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":   "ok",
		"version":  s.opts.Version,
		"sessions": s.sessions.Len(),
	}
	if c.QueryBool("deep") && s.health != nil {
		if err := s.health.CheckHealth(c.UserContext()); err != nil {
			resp["status"] = "degraded"
			resp["detection"] = fiber.Map{"reachable": false, "kind": failure.KindOf(err), "details": err.Error()}
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
		resp["detection"] = fiber.Map{"reachable": true}
	}
	return c.JSON(resp)
}

func (s *Server) handleCapture(c *fiber.Ctx) error {
	id := c.Params("id")

	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "multipart field \"file\" is required"})
	}
	if fh.Size > s.opts.MaxBytes {
		return failureResponse(c, failure.Newf(failure.TooLarge, "upload",
			"upload is %d bytes, limit is %d", fh.Size, s.opts.MaxBytes))
	}

	var params pipeline.Params
	if v := strings.TrimSpace(c.FormValue("threshold")); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 || t > 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "threshold must be a number within 0-1"})
		}
		params.Threshold = &t
	}
	params.Style = c.FormValue("style")

	f, err := fh.Open()
	if err != nil {
		return failureResponse(c, failure.New(failure.DecodeError, "upload", err))
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return failureResponse(c, failure.New(failure.DecodeError, "upload", err))
	}

	params.Token = uuid.NewString()
	token := params.Token

	session := s.sessions.Get(id)
	progress := func(percent int, message string) {
		// A superseded run keeps reporting until it notices; its events are dropped.
		if session.Token() != token {
			return
		}
		s.hub.publish(ProgressEvent{Session: id, Token: token, Percent: percent, Message: message,
			Status: pipeline.StatusProcessing.String()})
	}

	out, err := session.Capture(c.UserContext(), data, params, progress)
	if err != nil {
		if !failure.Is(err, failure.Canceled) {
			s.hub.publish(ProgressEvent{Session: id, Token: token, Percent: 100, Message: failure.MessageFor(err),
				Status: pipeline.StatusFailed.String(), Error: failure.KindOf(err).String()})
		}
		return failureResponse(c, err)
	}

	count := out.Count
	s.hub.publish(ProgressEvent{Session: id, Token: token, Percent: 100, Message: "Ready",
		Status: pipeline.StatusReady.String(), Count: &count})

	return c.JSON(resultView{
		Session:     id,
		Status:      pipeline.StatusReady,
		Outcome:     out,
		ArtifactURL: artifactURL(out.Artifact),
	})
}

func (s *Server) handleResult(c *fiber.Ctx) error {
	id := c.Params("id")
	session, ok := s.sessions.Lookup(id)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown session")
	}

	st := session.State()
	view := resultView{Session: id, Status: st.Status, Outcome: st.Outcome}
	if st.Outcome != nil {
		view.ArtifactURL = artifactURL(st.Outcome.Artifact)
	}
	if st.Err != nil {
		kind := failure.KindOf(st.Err)
		view.Error = fiber.Map{"kind": kind, "message": failure.Message(kind)}
	}
	return c.JSON(view)
}

func (s *Server) handleArtifact(c *fiber.Ctx) error {
	a, ok := s.handles.Get(c.Params("handle"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "artifact not found or released")
	}
	c.Set(fiber.HeaderContentType, a.MimeType)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(a.Data)
}

// currentArtifact resolves the session's presented artifact and file name.
func (s *Server) currentArtifact(c *fiber.Ctx) (*pipeline.Session, *present.Artifact, string, error) {
	session, ok := s.sessions.Lookup(c.Params("id"))
	if !ok {
		return nil, nil, "", fiber.NewError(fiber.StatusNotFound, "unknown session")
	}
	a := session.Presenter().Current()
	if a == nil {
		return nil, nil, "", fiber.NewError(fiber.StatusNotFound, present.ErrNoResult.Error())
	}
	name, err := session.Presenter().FileName()
	if err != nil {
		return nil, nil, "", fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return session, a, name, nil
}

func (s *Server) handleDownload(c *fiber.Ctx) error {
	_, a, name, err := s.currentArtifact(c)
	if err != nil {
		return err
	}
	c.Attachment(name)
	c.Set(fiber.HeaderContentType, a.MimeType)
	return c.Send(a.Data)
}

func (s *Server) handleShare(c *fiber.Ctx) error {
	session, _, _, err := s.currentArtifact(c)
	if err != nil {
		return err
	}
	res, err := session.Presenter().Share(c.UserContext())
	if err != nil {
		if errors.Is(err, present.ErrNoResult) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return failureResponse(c, err)
	}
	return c.JSON(res)
}

func (s *Server) handleRetake(c *fiber.Ctx) error {
	id := c.Params("id")
	session, ok := s.sessions.Lookup(id)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown session")
	}
	session.Retake()
	s.hub.publish(ProgressEvent{Session: id, Percent: 0, Message: "Retake", Status: pipeline.StatusIdle.String()})
	return c.JSON(fiber.Map{"session": id, "status": session.Status()})
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	if !s.sessions.Remove(c.Params("id")) {
		return fiber.NewError(fiber.StatusNotFound, "unknown session")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleProgressWS streams ProgressEvents for one session until the client
// disconnects.
func (s *Server) handleProgressWS(c *websocket.Conn) {
	id := c.Params("id")
	events, unsubscribe := s.hub.subscribe(id)
	defer unsubscribe()

	s.logger.Debug("progress client connected", "session", id)
	defer s.logger.Debug("progress client disconnected", "session", id)

	// Reads only detect the close; clients send nothing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if session, ok := s.sessions.Lookup(id); ok {
		st := session.Status()
		if err := c.WriteJSON(ProgressEvent{Session: id, Token: session.Token(), Status: st.String(), Percent: statusPercent(st)}); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func statusPercent(st pipeline.Status) int {
	switch st {
	case pipeline.StatusReady, pipeline.StatusFailed:
		return pipeline.StepDone
	default:
		return 0
	}
}
