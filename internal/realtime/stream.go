package realtime

import (
	"errors"
	"net/http"

	"github.com/oklog/ulid/v2"
	"github.com/tmaxmax/go-sse"

	"q-bridge/internal/gateway"
	"q-bridge/internal/protocol"
	"q-bridge/internal/session"
)

// streamQuery answers with a server-sent event stream: chunk records, then a
// complete record, or a single error record. Failures that happen before the
// query was accepted are reported as plain JSON with a status code.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, query string) {
	st, err := s.gw.Stream(r.Context(), query)
	if err != nil {
		s.writeQueryError(w, err, "")
		return
	}
	defer st.Close()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, protocol.BufferedResponse{Response: "Server error: " + err.Error()})
		return
	}

	log := s.log.With("query", st.ID)
	for ev, err := range st.Events(r.Context()) {
		var rec protocol.Record
		switch {
		case errors.Is(err, gateway.ErrTimeout):
			rec = protocol.ErrorRecord("Request timed out")
		case err != nil:
			if r.Context().Err() != nil {
				log.Debug("client went away mid-stream")
				return
			}
			rec = protocol.ErrorRecord(err.Error())
		case ev.Type == session.EventComplete:
			rec = protocol.CompleteRecord(ev.Text)
		default:
			rec = protocol.ChunkRecord(ev.Text)
		}

		if err := sendRecord(sess, rec); err != nil {
			log.Debugw("sse write failed", "error", err)
			return
		}
	}
}

func sendRecord(sess *sse.Session, rec protocol.Record) error {
	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(string(rec.Marshal()))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
