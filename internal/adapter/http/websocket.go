package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jthickma/ytbatch/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

const (
	// messageInitialState is sent once per connection before any bus event.
	messageInitialState = "initial_state"
	// messageGetJobDetails asks for one job; it is answered with messageJobDetails.
	messageGetJobDetails = "get_job_details"
	messageJobDetails    = "job_details"
)

// clientMessage is a frame sent by the client.
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventMessage is the JSON frame for one bus event.
type eventMessage struct {
	Type      string                `json:"type"`
	JobID     string                `json:"job_id,omitempty"`
	Job       *jobResponse          `json:"job,omitempty"`
	File      *domain.FileState     `json:"file,omitempty"`
	Config    *domain.RuntimeConfig `json:"config,omitempty"`
	Timestamp string                `json:"timestamp"`
}

// initialStateMessage carries every job when a stream opens.
type initialStateMessage struct {
	Type      string        `json:"type"`
	Jobs      []jobResponse `json:"jobs"`
	Timestamp string        `json:"timestamp"`
}

func eventToMessage(ev domain.Event) eventMessage {
	msg := eventMessage{
		Type:      string(ev.Type),
		JobID:     ev.JobID,
		File:      ev.File,
		Config:    ev.Config,
		Timestamp: formatTime(ev.Timestamp),
	}
	if ev.Job != nil {
		resp := jobToResponse(ev.Job)
		msg.Job = &resp
	}
	return msg
}

// handleEvents streams job events over a websocket. The subscription is
// taken before the snapshot is read so no change falls between the two.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade connection")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(s.buffer)
	defer sub.Unsubscribe()
	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("event stream opened")

	jobs, err := s.svc.List(r.Context())
	if err != nil {
		log.WithError(err).Error("failed to load initial state")
		return
	}
	initial := initialStateMessage{
		Type:      messageInitialState,
		Jobs:      make([]jobResponse, 0, len(jobs)),
		Timestamp: formatTime(time.Now()),
	}
	for i := range jobs {
		initial.Jobs = append(initial.Jobs, jobToResponse(&jobs[i]))
	}
	if err := s.writeMessage(conn, initial); err != nil {
		log.WithError(err).Debug("event stream closed")
		return
	}

	requests := make(chan clientMessage, 8)
	closed := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go readPump(conn, requests, closed, quit, log)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.writeMessage(conn, eventToMessage(ev)); err != nil {
				log.WithError(err).Debug("event stream closed")
				return
			}
		case req := <-requests:
			job, err := s.svc.Get(r.Context(), req.JobID)
			if err != nil {
				log.WithError(err).WithField("job_id", req.JobID).Debug("job details unavailable")
				continue
			}
			resp := jobToResponse(job)
			msg := eventMessage{Type: messageJobDetails, JobID: job.ID, Job: &resp, Timestamp: formatTime(time.Now())}
			if err := s.writeMessage(conn, msg); err != nil {
				log.WithError(err).Debug("event stream closed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug("event stream closed by client")
			return
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readPump forwards job detail requests and closes done when the peer goes
// away. Other frames are ignored.
func readPump(conn *websocket.Conn, requests chan<- clientMessage, done chan<- struct{}, quit <-chan struct{}, log logrus.FieldLogger) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Debug("invalid client message")
			continue
		}
		if msg.Type != messageGetJobDetails || msg.JobID == "" {
			continue
		}
		select {
		case requests <- msg:
		case <-quit:
			return
		}
	}
}
