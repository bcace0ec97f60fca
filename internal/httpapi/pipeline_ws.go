package httpapi

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxd/internal/backend"
	"voxd/pkg/types"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	// Browser origins are enforced by the cors layer; the websocket itself
	// accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsControl is a client-to-server text frame.
type wsControl struct {
	Type string `json:"type"` // "end" or "cancel"
}

// wsHello is the first server frame, announcing the session id.
type wsHello struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// handlePipeline runs one voice session over a websocket. The first text
// frame must be a PipelineConfig; after that, binary frames carry 16-bit
// little-endian PCM in, binary frames carry synthesized audio out, and text
// frames carry JSON events out. Closing the socket cancels the session.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var cfg types.PipelineConfig
	if err := conn.ReadJSON(&cfg); err != nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, "first frame must be a session config")
		return
	}
	session, err := s.orch.Start(cfg)
	if err != nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer session.Cancel()

	var writeMu sync.Mutex
	writeText := func(v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, raw)
	}
	writeBinary := func(p []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, p)
	}

	if err := writeText(wsHello{Type: "session", SessionID: session.ID()}); err != nil {
		return
	}

	// Events out. The subscription is filtered to this session's id.
	var fanout sync.WaitGroup
	if s.bus != nil {
		sub := s.bus.Subscribe(types.EventPipeline)
		defer sub.Close()
		fanout.Add(1)
		go func() {
			defer fanout.Done()
			for {
				select {
				case e, ok := <-sub.C():
					if !ok {
						return
					}
					if e.CorrelationID != session.ID() {
						continue
					}
					if writeText(e) != nil {
						return
					}
				case <-session.Done():
					// Drain what is already queued, then stop.
					for {
						select {
						case e, ok := <-sub.C():
							if !ok {
								return
							}
							if e.CorrelationID == session.ID() {
								if writeText(e) != nil {
									return
								}
							}
						default:
							return
						}
					}
				}
			}
		}()
	}

	// Synthesized audio out.
	fanout.Add(1)
	go func() {
		defer fanout.Done()
		for chunk := range session.Audio() {
			if writeBinary(chunk) != nil {
				return
			}
		}
	}()

	// Frames and control in.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			if frame := pcmToFrame(data); len(frame) > 0 {
				if session.PushFrame(frame) != nil {
					goto drain
				}
			}
		case websocket.TextMessage:
			var ctl wsControl
			if json.Unmarshal(data, &ctl) != nil {
				continue
			}
			switch ctl.Type {
			case "end":
				session.EndUtterance()
			case "cancel":
				session.Cancel()
			}
		}
		select {
		case <-session.Done():
			goto drain
		default:
		}
	}
drain:
	<-session.Done()
	fanout.Wait()
	final := struct {
		Type  string              `json:"type"`
		State types.PipelineState `json:"state"`
		Error string              `json:"error,omitempty"`
	}{Type: "final", State: session.State()}
	if err := session.Err(); err != nil {
		final.Error = err.Error()
	}
	_ = writeText(final)
	s.wsClose(conn, websocket.CloseNormalClosure, "")
	_ = s.orch.Release(session.ID())
}

func (s *Server) wsClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// pcmToFrame converts 16-bit little-endian PCM to normalized samples.
func pcmToFrame(data []byte) backend.AudioFrame {
	n := len(data) / 2
	frame := make(backend.AudioFrame, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		frame[i] = float32(v) / 32768
	}
	return frame
}
