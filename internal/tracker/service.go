package tracker

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"tailscale.com/tsweb"

	"github.com/banshee-data/nditracker/internal/httputil"
)

// Service serialises access to a Session so it can be shared between
// goroutines, such as an acquisition loop and debug HTTP handlers.
type Service struct {
	mu      sync.Mutex
	session *Session
	frames  uint64
	last    *Frame
}

// NewService wraps s. The caller must not use s directly afterwards.
func NewService(s *Session) *Service {
	return &Service{session: s}
}

// GetFrame captures a frame and remembers it for the debug pages.
func (s *Service) GetFrame() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.session.GetFrame()
	if err != nil {
		return nil, err
	}
	s.frames++
	s.last = f
	return f, nil
}

func (s *Service) GetToolDescriptions() ([]int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.GetToolDescriptions()
}

func (s *Service) StartTracking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.StartTracking()
}

func (s *Service) StopTracking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.StopTracking()
}

func (s *Service) ReloadCalibrations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.ReloadCalibrations()
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Close()
}

// State returns the session state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.State()
}

// writeStatus renders the session and last frame as plain text.
func (s *Service) writeStatus(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session
	fmt.Fprintf(w, "session:      %s\n", sess.ID())
	fmt.Fprintf(w, "kind:         %s\n", sess.Kind())
	fmt.Fprintf(w, "state:        %s\n", sess.State())
	fmt.Fprintf(w, "firmware:     %s\n", sess.FirmwareVersion())
	fmt.Fprintf(w, "capture mode: %s\n", sess.CaptureMode())
	fmt.Fprintf(w, "smoothing:    %d\n", sess.SmoothingBufferSize())
	fmt.Fprintf(w, "frames:       %d\n\n", s.frames)

	for _, tool := range sess.tools {
		fmt.Fprintf(w, "tool %d  handle %-3s %s\n", tool.Index, tool.EncodedHandle, tool.Description)
	}
	if s.last == nil {
		return
	}
	fmt.Fprintln(w)
	for i := 0; i < s.last.Len(); i++ {
		fmt.Fprintf(w, "row %d  frame %d  quality %s\n%v\n", i, s.last.FrameNumbers[i],
			formatQuality(s.last.Qualities[i]), mat.Formatted(s.last.Transforms[i], mat.Prefix(""), mat.Squeeze()))
	}
}

func formatQuality(q float64) string {
	if math.IsNaN(q) {
		return "missing"
	}
	return fmt.Sprintf("%.4f", q)
}

// AttachAdminRoutes attaches debugging endpoints to the given HTTP mux
// served at /debug/. These routes are accessible only over localhost/via
// Tailscale and are not publicly accessible.
func (s *Service) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("tracker", "tracker session, tools and last frame", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.writeStatus(w)
	})

	// POST action=start|stop|reload
	debug.HandleSilentFunc("tracker-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		action := strings.TrimSpace(r.FormValue("action"))
		var err error
		switch action {
		case "start":
			err = s.StartTracking()
		case "stop":
			err = s.StopTracking()
		case "reload":
			err = s.ReloadCalibrations()
		case "":
			httputil.BadRequest(w, "missing action")
			return
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown action %q", action))
			return
		}
		if err != nil {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"action": action,
			"state":  s.State().String(),
		})
	})

	debug.HandleSilentFunc("tracker-frame", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.snapshot())
	})
}

// frameRow is one tool's row of the last frame. Missing values are nil so
// the row survives JSON encoding.
type frameRow struct {
	PortHandle  int        `json:"port_handle"`
	Timestamp   string     `json:"timestamp"`
	FrameNumber uint32     `json:"frame_number"`
	Quality     *float64   `json:"quality"`
	Transform   []*float64 `json:"transform"`
}

type statusSnapshot struct {
	Session string     `json:"session"`
	Kind    string     `json:"kind"`
	State   string     `json:"state"`
	Frames  uint64     `json:"frames"`
	Tools   []string   `json:"tools"`
	Last    []frameRow `json:"last,omitempty"`
}

func (s *Service) snapshot() statusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := statusSnapshot{
		Session: s.session.ID().String(),
		Kind:    s.session.Kind().String(),
		State:   s.session.State().String(),
		Frames:  s.frames,
	}
	_, snap.Tools = s.session.tools.Descriptions()
	if s.last == nil {
		return snap
	}
	for i := 0; i < s.last.Len(); i++ {
		snap.Last = append(snap.Last, frameRow{
			PortHandle:  s.last.PortHandles[i],
			Timestamp:   s.last.Timestamps[i].Format(time.RFC3339Nano),
			FrameNumber: s.last.FrameNumbers[i],
			Quality:     finite(s.last.Qualities[i]),
			Transform:   finiteAll(s.last.Transforms[i].RawMatrix().Data),
		})
	}
	return snap
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finiteAll(vs []float64) []*float64 {
	out := make([]*float64, len(vs))
	for i, v := range vs {
		out[i] = finite(v)
	}
	return out
}
